// The main package for the threadfall executable.
package main

import "github.com/bmorrisey/threadfall/cmd"

func main() {
	cmd.Execute()
}
