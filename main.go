// Command spider crawls sites through a spider middleware chain.
package main

import (
	"github.com/JakeFAU/spider-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
