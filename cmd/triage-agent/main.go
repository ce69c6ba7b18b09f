package main

import "github.com/huykn/triage-edge/cmd/triage-agent/cmd"

func main() {
	cmd.Execute()
}
