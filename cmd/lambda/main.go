package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/bbernstein/nearby/internal/api"
	"github.com/bbernstein/nearby/internal/config"
	"github.com/bbernstein/nearby/internal/handler"
	"github.com/bbernstein/nearby/internal/station"
)

var (
	lambdaStart   = lambda.Start // Allow mocking of lambda.Start in tests
	nearbyHandler *handler.NearbyHandler
	setupErr      error
	setupOnce     sync.Once
)

func setup() {
	setupOnce.Do(func() {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			setupErr = err
			return
		}
		cfg.InitializeLogging()

		// warm invocations reuse upstream connections when h2c pooling is enabled
		finder, _, err := station.NewFromConfig(cfg, nil)
		if err != nil {
			setupErr = err
			return
		}
		nearbyHandler = handler.NewNearbyHandler(finder)
	})
}

func handleRequest(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	setup()
	if setupErr != nil {
		log.Error().Err(setupErr).Msg("Lambda is not configured")
		return api.Error("ERROR! The service is misconfigured.", http.StatusInternalServerError)
	}
	return nearbyHandler.HandleRequest(ctx, request)
}

func main() {
	setup()
	if setupErr != nil {
		log.Fatal().Err(setupErr).Msg("Invalid configuration")
	}
	lambdaStart(handleRequest)
}
