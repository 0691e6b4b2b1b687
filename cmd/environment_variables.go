package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	EnvironmentVariablePrefix = "JOBQ_"

	// fileSuffix is appended to a flag's env var name to instead read the
	// flag value from the named file.
	fileSuffix = "_FILE"
)

// SetFlagsFromEnvVariables sets each unset flag from an env variable whose
// name starts with `JOBQ_`, e.g. --grpc-address is set from
// JOBQ_GRPC_ADDRESS. If JOBQ_GRPC_ADDRESS_FILE is set instead then the flag is
// set to the contents of that file.
func SetFlagsFromEnvVariables(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		envVar := flagToEnvVarName(f)
		if val, present := os.LookupEnv(envVar); present {
			err = fs.Set(f.Name, val)
			return
		}
		if strings.HasSuffix(envVar, fileSuffix) {
			return
		}
		if path, present := os.LookupEnv(envVar + fileSuffix); present {
			val, readErr := os.ReadFile(path)
			if readErr != nil {
				err = fmt.Errorf("reading %s: %w", envVar+fileSuffix, readErr)
				return
			}
			err = fs.Set(f.Name, string(val))
		}
	})
	return err
}

// LoadDotEnv populates the environment from a .env file in the working
// directory, if it exists. Variables already set take precedence.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env file: %w", err)
	}
	return nil
}

func flagToEnvVarName(f *pflag.Flag) string {
	return fmt.Sprintf("%s%s", EnvironmentVariablePrefix, strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_"))
}
