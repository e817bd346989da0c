package main

import (
	"github.com/lunixbochs/pecorn/go/cmd"

	_ "github.com/lunixbochs/pecorn/go/cmd/dump"
	_ "github.com/lunixbochs/pecorn/go/cmd/load"
	_ "github.com/lunixbochs/pecorn/go/cmd/resolve"
	_ "github.com/lunixbochs/pecorn/go/cmd/trace"
)

func main() { cmd.Main() }
