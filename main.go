package main

import "github.com/andresmejia3/invigilator/cmd"

func main() {
	cmd.Execute()
}
