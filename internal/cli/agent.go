package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxtune/voxtune/internal/config"
	"github.com/voxtune/voxtune/internal/runner"
	"github.com/voxtune/voxtune/internal/store"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage voice agents",
	}
	cmd.AddCommand(newAgentAddCmd())
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentShowCmd())
	cmd.AddCommand(newAgentRmCmd())
	return cmd
}

func newAgentAddCmd() *cobra.Command {
	var (
		id          string
		name        string
		specFile    string
		assistantID string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an agent with its YAML spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			if specFile == "" {
				return errors.New("--spec is required")
			}
			spec, err := os.ReadFile(specFile)
			if err != nil {
				return err
			}
			summary, err := runner.ParseSpec(string(spec))
			if err != nil {
				return fmt.Errorf("invalid spec %s: %w", specFile, err)
			}
			if name == "" {
				name = summary.Name
			}

			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			a, err := st.CreateAgent(cmd.Context(), id, name, string(spec), assistantID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added agent %q (%s)\n", a.AgentID, a.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Agent ID")
	cmd.Flags().StringVar(&name, "name", "", "Display name (default: spec name)")
	cmd.Flags().StringVar(&specFile, "spec", "", "Path to the agent's YAML spec")
	cmd.Flags().StringVar(&assistantID, "assistant", "", "External platform assistant ID (enables deploys)")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			agents, err := st.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			for _, a := range agents {
				line := fmt.Sprintf("- %s (%s)", a.AgentID, a.Name)
				if a.AssistantID != "" {
					line += " assistant=" + a.AssistantID
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}

func newAgentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print an agent's spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			a, err := st.GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", a.AgentID, a.Name)
			if a.AssistantID != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "assistant: %s\n", a.AssistantID)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), a.Spec)
			return nil
		},
	}
	return cmd
}

func newAgentRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <agent-id>",
		Short: "Remove an agent and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.DeleteAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed agent %q\n", args[0])
			return nil
		},
	}
	return cmd
}
