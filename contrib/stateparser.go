package main

import (
	"flag"
	"path/filepath"

	"github.com/fedimint/lngateway/swap"
)

func main() {
	dir := flag.String("dir", "./", "destination directory")
	flag.Parse()

	swap.IncomingStatesToMermaid(filepath.Join(*dir, "incoming-swap-states.md"))
	swap.OutgoingStatesToMermaid(filepath.Join(*dir, "outgoing-swap-states.md"))
}
