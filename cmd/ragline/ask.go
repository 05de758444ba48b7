package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ragline/ragline/config"
	"github.com/ragline/ragline/internal/engine"
	"github.com/ragline/ragline/internal/memory"
	"github.com/ragline/ragline/internal/retriever"
	"github.com/ragline/ragline/internal/store"
	"github.com/ragline/ragline/internal/telemetry"
)

func askCMD() *cobra.Command {
	var cfgPath string
	var sessionID string
	var ask = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question against the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			question := strings.Join(args, " ")
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}

			llmProvider, err := engine.NewLLMProvider(cfg.LLM)
			if err != nil {
				return err
			}
			rtr := retriever.New(cfg, llmProvider, st, nil)
			mem := memory.New(st, nil, cfg.Memory, nil)
			tele := telemetry.NewTelemetry(cfg.Telemetry)
			defer tele.Shutdown()

			logger := log.New(log.Writer(), "[ASK] ", log.LstdFlags)
			orch := engine.NewOrchestratorWithProvider(cfg, logger, tele, llmProvider, rtr, mem)

			result, err := orch.ProcessTurn(ctx, sessionID, question)
			if err != nil {
				return err
			}

			fmt.Println(result.Answer)
			if len(result.Citations) > 0 {
				fmt.Println("\nSources:")
				for _, c := range result.Citations {
					fmt.Printf("  [%s] %s (score %.3f)\n", c.Document, c.Snippet, c.Score)
				}
			}
			if result.Truncated {
				fmt.Println("\n(reasoning stopped at the step or time bound)")
			}
			fmt.Printf("\nsession: %s\n", sessionID)
			return nil
		},
	}
	ask.Flags().StringVar(&sessionID, "session", "", "session id (new session when empty)")
	ask.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ask
}
