package swap

import (
	"bytes"
	"fmt"
	"os"
)

func writeMermaidFile(filename string, states States) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	var b bytes.Buffer
	fmt.Fprint(&b, "```mermaid\nstateDiagram-v2\n")

	for state, edges := range states {
		if len(state) > 0 {
			fmt.Fprintf(&b, "%s\n", state)
		} else {
			state = "[*]"
		}
		for edge, target := range edges.Events {
			fmt.Fprintf(&b, "%s --> %s: %s\n", state, target, edge)
		}
	}
	fmt.Fprint(&b, "```")
	f.Write(b.Bytes())

	return nil
}

func IncomingStatesToMermaid(filename string) error {
	return writeMermaidFile(filename, getIncomingStates())
}

func OutgoingStatesToMermaid(filename string) error {
	return writeMermaidFile(filename, getOutgoingStates())
}
