// Package config parses stackwire composition files.
//
// A composition is written in CUE and unified with the built-in schema, which
// fills defaults such as the "http" endpoint scheme and the "/health" probe
// path. The decoded Composition is then checked with go-playground/validator
// and for cross references: dependencies, binding inputs, aggregator targets,
// cache blocks and composite command steps. Every problem is reported in one
// ValidationErrors value carrying file positions where CUE provides them.
//
//	parser := config.NewParser()
//	comp, err := parser.Parse(ctx, []string{"stackwire.cue"})
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, e := range verrs {
//	            fmt.Println(e)
//	        }
//	    }
//	    return err
//	}
//
// # Bindings
//
// A binding computes an environment value from endpoint inputs with a
// Starlark script that assigns a string to "value":
//
//	bindings: [{
//	    name:   "API_URL"
//	    inputs: ["api.http"]
//	    script: """
//	        value = endpoints["api.http"]["url"] + "/v1"
//	        """
//	}]
//
// In publish mode the endpoint dict carries placeholder expressions instead
// of concrete addresses, so the result stays symbolic.
//
// Scripts run without load(), with print suppressed and with bounded steps
// and time.
package config
