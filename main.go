// Command khe is the process entry point for the Knowledge Hook Engine.
// It delegates immediately to the cli package; everything that matters —
// graph loading, hook parsing, predicate evaluation, DAG planning, step
// execution, and receipt writing — lives under the engine packages, not
// here.
package main

import "github.com/gitvan/khe/cli"

func main() {
	cli.Execute()
}
