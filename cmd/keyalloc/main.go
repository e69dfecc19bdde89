// Command keyalloc allocates API keys from shared per-service quota pools.
package main

import (
	"os"

	"github.com/ineyio/keyalloc/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
