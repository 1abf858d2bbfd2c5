// Package artifact keeps the files a session produces in its workspace.
//
// The executor writes long outputs (reports, plans, code) into the session
// workspace with the tools returned by FileTools. The workspace is removed
// when the session ends, so the pipeline copies its files into a Store
// first (see Collect). Stores are keyed by session id and file name, where
// the name is the slash separated path relative to the workspace.
package artifact
