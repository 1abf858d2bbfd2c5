package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/code"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/pipeline"
	"github.com/hupe1980/taskmesh/usage"
)

type runFlags struct {
	deepThinking bool
	deepResearch bool
	summary      bool
	maxLoops     int
	sessionID    string
	stream       bool
	jsonOutput   bool
	outputDir    string
	noDelegates  bool
}

func newRunCommand(g *globalFlags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a prompt through the pipeline",
		Long: `Run a prompt through the pipeline. Without --deep-thinking or --deep-research
the prompt is answered in rapid mode with a single direct execution.

With --session and a configured Redis store the conversation continues
across invocations.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := g.load()
			if err != nil {
				return err
			}

			flags := f.Flags()
			if cmd.Flags().Changed("deep-thinking") {
				flags.DeepThinking = rf.deepThinking
			}
			if cmd.Flags().Changed("deep-research") {
				flags.DeepResearch = rf.deepResearch
			}
			if cmd.Flags().Changed("summary") {
				flags.Summary = rf.summary
			}
			flags.MaxLoopCount = rf.maxLoops

			llm, err := f.NewModel()
			if err != nil {
				return err
			}
			logger := f.Logger(cmd.ErrOrStderr())

			reg, err := newRegistry()
			if err != nil {
				return err
			}
			if !rf.noDelegates {
				reg.MustRegister(code.NewAgentTool(llm, append(f.PipelineOptions(), pipeline.WithLogger(logger))...))
			}
			opts := append(f.PipelineOptions(), pipeline.WithLogger(logger), pipeline.WithRegistry(reg))
			if rf.outputDir != "" {
				opts = append(opts, pipeline.WithArtifactStore(artifact.NewDirStore(rf.outputDir)))
			}
			store, err := f.HistoryStore(cmd.Context())
			if err != nil {
				return err
			}
			if store != nil {
				defer func() { _ = store.Close() }()
				opts = append(opts, pipeline.WithHistoryStore(store))
			}
			ctrl := pipeline.New(llm, opts...)

			req := pipeline.RunRequest{
				Messages:  []core.Message{core.NewUserMessage(strings.Join(args, " "))},
				SessionID: rf.sessionID,
				Flags:     flags,
			}

			var res pipeline.Result
			if rf.stream && !rf.jsonOutput {
				batches, results := ctrl.RunStream(cmd.Context(), req)
				p := newPrinter(cmd.OutOrStdout())
				for batch := range batches {
					p.Batch(batch)
				}
				res = <-results
				p.Done()
			} else {
				res = ctrl.Run(cmd.Context(), req)
				if !rf.jsonOutput {
					fmt.Fprintln(cmd.OutOrStdout(), res.Final.Display())
				}
			}

			if rf.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				writeSummary(cmd.ErrOrStderr(), res)
			}
			return res.Err
		},
	}

	cmd.Flags().BoolVar(&rf.deepThinking, "deep-thinking", false, "Enable the analysis phase and the planning loop")
	cmd.Flags().BoolVar(&rf.deepResearch, "deep-research", false, "Decompose the task into subtasks before planning")
	cmd.Flags().BoolVar(&rf.summary, "summary", false, "Write the final answer with the summary phase")
	cmd.Flags().IntVar(&rf.maxLoops, "max-loops", 0, "Maximum planning cycles (0 uses the configured limit)")
	cmd.Flags().StringVar(&rf.sessionID, "session", "", "Session id; continues stored history when a store is configured")
	cmd.Flags().BoolVar(&rf.stream, "stream", false, "Print messages while they are produced")
	cmd.Flags().BoolVar(&rf.jsonOutput, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&rf.noDelegates, "no-delegates", false, "Do not offer the code agent as a delegate tool")
	cmd.Flags().StringVar(&rf.outputDir, "output-dir", "", "Keep the files written by the session in <dir>/<session id>")

	return cmd
}

type jsonResult struct {
	SessionID       string            `json:"session_id"`
	Final           core.Message      `json:"final"`
	Messages        []core.Message    `json:"messages"`
	LoopCount       int               `json:"loop_count"`
	BudgetExhausted bool              `json:"budget_exhausted"`
	Usage           usage.Rollup      `json:"usage"`
	Cost            *usage.CostReport `json:"cost,omitempty"`
	Artifacts       []string          `json:"artifacts,omitempty"`
	WallTime        string            `json:"wall_time"`
	Error           string            `json:"error,omitempty"`
}

func writeJSON(w io.Writer, res pipeline.Result) error {
	out := jsonResult{
		SessionID:       res.SessionID,
		Final:           res.Final,
		Messages:        res.NewMessages,
		LoopCount:       res.LoopCount,
		BudgetExhausted: res.BudgetExhausted,
		Usage:           res.Usage,
		Cost:            res.Cost,
		Artifacts:       res.Artifacts,
		WallTime:        res.WallTime.Round(time.Millisecond).String(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeSummary(w io.Writer, res pipeline.Result) {
	fmt.Fprintf(w, "\nsession %s: %d loops, %d input / %d output tokens, %s",
		res.SessionID,
		res.LoopCount,
		res.Usage.Total.InputTokens,
		res.Usage.Total.OutputTokens,
		res.WallTime.Round(time.Millisecond),
	)
	if res.BudgetExhausted {
		fmt.Fprint(w, ", loop budget exhausted")
	}
	if res.Cost != nil {
		fmt.Fprintf(w, ", ~$%.4f", res.Cost.Total)
	}
	fmt.Fprintln(w)
	for _, name := range res.Artifacts {
		fmt.Fprintf(w, "  file %s\n", name)
	}
}
