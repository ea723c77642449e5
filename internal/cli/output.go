package cli

import (
	"fmt"
	"os"
	"strings"
)

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

func printHeader(title string) {
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", len(title)))
}
