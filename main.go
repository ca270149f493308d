package main

import "github.com/frahmantamala/credit-recovery/cmd"

func main() {
	cmd.Execute()
}
