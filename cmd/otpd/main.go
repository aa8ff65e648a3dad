package main

import "github.com/otpd/otpd/cmd/otpd/cmd"

func main() {
	cmd.Execute()
}
