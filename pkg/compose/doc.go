// Package compose turns a parsed composition into a runnable Application: the
// resource graph, the aggregator registry, bindings, commands, enablement
// policies, the health prober and the lifecycle coordinator.
//
//	comp, err := config.NewParser().Parse(ctx, []string{"stackwire.cue"})
//	...
//	app, err := compose.New(ctx, comp, engine.ContextInteractive, compose.WithTelemetry(tel))
//	...
//	defer app.Close()
//	report, err := app.Run(ctx)
package compose
