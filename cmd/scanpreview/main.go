package main

import "github.com/MeKo-Tech/scanpreview/cmd/scanpreview/cmd"

func main() {
	cmd.Execute()
}
