package api

import (
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

const ContentTypeText = "text/plain; charset=utf-8"

// Response helpers
func Success(body string) (events.APIGatewayProxyResponse, error) {
	return Text(body, http.StatusOK)
}

func Error(message string, statusCode int) (events.APIGatewayProxyResponse, error) {
	return Text(message, statusCode)
}

func Text(body string, statusCode int) (events.APIGatewayProxyResponse, error) {
	return events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Headers: map[string]string{
			"Content-Type": ContentTypeText,
		},
		Body: body,
	}, nil
}
