// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command aflctl is the thin operator client for AgentFlow: it submits a
// compiled flow for execution without running any part of the runtime
// itself.
package main

import (
	"fmt"
	"os"

	"github.com/rlemke/agentflow/internal/cli"
	"github.com/rlemke/agentflow/internal/commands/submit"
)

func main() {
	globals := &cli.Globals{}
	root := cli.NewRootCommand(globals)
	root.AddCommand(submit.NewCommand(globals))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "aflctl:", err)
		os.Exit(1)
	}
}
