package cli

import (
	"fmt"

	"github.com/spf13/pflag"
)

// bind maps a config key onto a flag. Flags override the config file and
// environment only when set explicitly.
func (a *app) bind(key string, f *pflag.Flag) {
	if f == nil {
		panic(fmt.Sprintf("cli: no flag for %s", key))
	}
	if err := a.v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("cli: bind %s: %v", key, err))
	}
}
