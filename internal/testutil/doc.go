// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing conversations, scripted model replies and
// small tools. They are not intended for production usage.
package testutil
