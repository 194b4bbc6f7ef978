package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aivorynet/devtools-bridge/pkg/agent"
	"github.com/aivorynet/devtools-bridge/pkg/capture"
)

var (
	evalTemplate string
	evalName     string
	evalParams   []string
	evalDepth    int
)

var evalCmd = &cobra.Command{
	Use:   "eval [expression]",
	Short: "Evaluate a script template in the target and print the result as JSON",
	Long: `Evaluate a script in the target. The script comes from the argument, a
file (--template) or the template directory (--name). Placeholders of the
form {{NAME}} are replaced by the JSON encoding of --param NAME=VALUE.`,
	Example: `  devtools-bridge eval --name send_message --param CONVERSATION_ID=abc --param BODY='"hi"'
  devtools-bridge eval 'navigator.userAgent'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVar(&evalTemplate, "template", "", "Template file")
	evalCmd.Flags().StringVar(&evalName, "name", "", "Template name in the template directory")
	evalCmd.Flags().StringArrayVarP(&evalParams, "param", "p", nil, "Template parameter KEY=VALUE (repeatable)")
	evalCmd.Flags().IntVar(&evalDepth, "depth", 0, "Depth limit of the printed result (default from config)")
	evalCmd.MarkFlagsMutuallyExclusive("template", "name")
}

func runEval(cmd *cobra.Command, args []string) error {
	var sources int
	if len(args) == 1 {
		sources++
	}
	if evalTemplate != "" {
		sources++
	}
	if evalName != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("give exactly one of an expression, --template or --name")
	}

	params, err := parseParams(evalParams)
	if err != nil {
		return err
	}

	if evalDepth > 0 {
		config.MaxDepth = evalDepth
	}

	a := agent.New(config)
	if err := a.Start(cmd.Context()); err != nil {
		return err
	}
	defer a.Stop(cmd.Context())

	var value capture.Value
	switch {
	case evalName != "":
		value, err = a.EvaluateNamed(cmd.Context(), evalName, params)
	case evalTemplate != "":
		var src []byte
		src, err = os.ReadFile(evalTemplate)
		if err != nil {
			return fmt.Errorf("read template: %w", err)
		}
		value, err = a.Evaluate(cmd.Context(), string(src), params)
	default:
		value, err = a.Evaluate(cmd.Context(), args[0], params)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), value.String())
	return nil
}
