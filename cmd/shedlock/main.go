package main

import "github.com/adityajoshi12/shedlock-go/v2/internal/cli"

func main() {
	cli.Execute()
}
