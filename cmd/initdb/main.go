// Command initdb is the one-shot initialization function: it creates the
// application table and seeds it.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	_ "github.com/go-sql-driver/mysql"

	awsx "dbstack/internal/aws"
	"dbstack/internal/config"
	"dbstack/internal/initializer"
	"dbstack/internal/logging"
	"dbstack/internal/secrets"
	"dbstack/internal/sqlconn"
)

func main() {
	logging.SetOutput(os.Stdout)

	env, err := config.LoadHandlerEnv()
	if err != nil {
		logging.LogError("Invalid function environment", err)
		os.Exit(1)
	}

	client, err := awsx.GetAWSClient(context.Background(), "secretsmanager")
	if err != nil {
		logging.LogError("Failed to initialize secretsmanager client", err)
		os.Exit(1)
	}
	resolver := secrets.NewResolver(secrets.NewSecretsManagerBackend(client.(*secretsmanager.Client), nil, ""))

	handle := sqlconn.FromEnv(env, resolver)
	lambda.StartWithOptions(
		initializer.Handler(handle, env.TableName),
		lambda.WithEnableSIGTERM(func() {
			if err := handle.Close(); err != nil {
				logging.LogWarn("Closing database handle", map[string]interface{}{"error": err.Error()})
			}
		}),
	)
}
