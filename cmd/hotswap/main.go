// Package main is a small CLI for poking at the hotswap engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kmetzger/hotswap"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hotswap",
	Short: "Live function interception playground",
	Long: `hotswap intercepts functions inside its own process and reports what the
redefinition strategy chain can and cannot do on this machine. It exists to
exercise the engine, not to do anything useful.`,
}

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List the redefinition strategies in priority order",
	RunE:  runStrategies,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Intercept a sample function and show the hook at work",
	RunE:  runDemo,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Disassemble the sample function without patching it",
	RunE:  runProbe,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(strategiesCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(probeCmd)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

func runStrategies(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine := hotswap.New(hotswap.WithLogger(logger))
	defer engine.Close()

	fmt.Println("priority  strategy     available  hazardous")
	for i, s := range engine.Strategies() {
		fmt.Printf("%8d  %-11s  %-9v  %v\n", i+1, s.Name, s.Available, s.Hazardous)
	}
	return nil
}

//go:noinline
func add(a, b int) int {
	return a + b
}

func runProbe(cmd *cobra.Command, args []string) error {
	report, err := hotswap.Inspect(add)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	fmt.Printf("func:          %s\n", report.Name)
	fmt.Printf("entry:         %#x\n", report.Entry)
	fmt.Printf("bytes:         %d\n", report.Analysis.Bytes)
	fmt.Printf("instructions:  %d\n", report.Analysis.Instructions)
	fmt.Printf("local branches:%d\n", report.Analysis.LocalBranches)
	fmt.Printf("external refs: %d\n", report.Analysis.ExternalRefs)
	fmt.Println()
	fmt.Print(report.Disassembly)
	return nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine := hotswap.New(hotswap.WithLogger(logger))
	defer engine.Close()

	fmt.Printf("before install: add(2, 3) = %d\n", add(2, 3))

	hook, err := engine.InterceptFunc(add, hotswap.Funcs{
		BeforeFunc: func(name string, _ any, args []any) {
			logger.Info("before", zap.String("func", name), zap.Any("args", args))
		},
		AfterFunc: func(name string, _ any, _ []any, results []any) []any {
			results[0] = results[0].(int) + 1
			return results
		},
	})
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}

	fmt.Printf("after install:  add(2, 3) = %d (effective=%v, strategy=%s)\n",
		add(2, 3), hook.Effective(), hook.Strategy())

	hook.Disable()
	fmt.Printf("disabled:       add(2, 3) = %d\n", add(2, 3))
	hook.Enable()

	fmt.Printf("call count:     %d\n", hook.CallCount())

	if err := hook.Remove(); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	fmt.Printf("after remove:   add(2, 3) = %d\n", add(2, 3))
	return nil
}
