package main

import "github.com/rudransh-shrivastava/seekr/internal/client/cmd"

func main() {
	cmd.Execute()
}
