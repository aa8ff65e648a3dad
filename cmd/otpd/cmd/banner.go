package cmd

import (
	"fmt"
)

const banner = `
        _             _
   ___ | |_ _ __   __| |
  / _ \| __| '_ \ / _` + "`" + ` |
 | (_) | |_| |_) | (_| |
  \___/ \__| .__/ \__,_|
           |_|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Multi-Factor Authentication Server - Version %s\x1b[0m\n\n", Version)
}
