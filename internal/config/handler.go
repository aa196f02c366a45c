package config

import (
	"github.com/caarlos0/env/v9"

	"dbstack/internal/domain"
)

// HandlerEnv is what the deployed functions read from their environment.
// DB_DSN short-circuits secret resolution for local runs.
type HandlerEnv struct {
	SecretName string `env:"DB_SECRET_NAME"`
	TableName  string `env:"TABLE_NAME"`
	Endpoint   string `env:"AWS_ENDPOINT"`
	Driver     string `env:"DB_DRIVER" envDefault:"mysql"`
	DSN        string `env:"DB_DSN"`
}

// LoadHandlerEnv reads the function environment. There is no fallback secret
// name: a missing DB_SECRET_NAME is a configuration error.
func LoadHandlerEnv() (*HandlerEnv, error) {
	return LoadHandlerEnvFrom(nil)
}

// LoadHandlerEnvFrom is LoadHandlerEnv over an explicit environment.
func LoadHandlerEnvFrom(environ map[string]string) (*HandlerEnv, error) {
	h := &HandlerEnv{}

	var err error
	if environ == nil {
		err = env.Parse(h)
	} else {
		err = env.ParseWithOptions(h, env.Options{Environment: environ})
	}
	if err != nil {
		return nil, domain.Configf("environment", "%v", err)
	}

	errs := &domain.ConfigError{}
	if h.SecretName == "" && h.DSN == "" {
		errs.Add("DB_SECRET_NAME", "is required")
	}
	switch {
	case h.TableName == "":
		errs.Add("TABLE_NAME", "is required")
	case !ValidIdentifier(h.TableName):
		errs.Add("TABLE_NAME", "is not a valid SQL identifier")
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return h, nil
}
