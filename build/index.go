package build

import (
	"github.com/outofforest/build"
	"github.com/outofforest/buildgo"
)

// Commands is a definition of commands available in build system
var Commands = map[string]build.Command{
	"setup": {Fn: setup, Description: "Checks that scratch directory can hold disk files"},
	"test":  {Fn: goTests, Description: "Runs unit tests"},
}

func init() {
	buildgo.AddCommands(Commands)
}
