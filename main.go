package main

import "github.com/andresmejia3/facebank/cmd"

func main() {
	cmd.Execute()
}
