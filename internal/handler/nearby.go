package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"

	"github.com/bbernstein/nearby/internal/api"
	"github.com/bbernstein/nearby/internal/grpcwire"
	"github.com/bbernstein/nearby/internal/h2c"
	"github.com/bbernstein/nearby/internal/models"
	"github.com/bbernstein/nearby/internal/station"
)

// StatusClientClosedRequest is logged when the caller went away before the
// answer was ready.
const StatusClientClosedRequest = 499

const (
	msgNotFound    = "ERROR! No station was found near the given coordinates."
	msgTimeout     = "ERROR! The station directory did not answer in time."
	msgUnavailable = "ERROR! The station directory is unavailable."
	msgRPCFailed   = "ERROR! The station directory returned an error."
	msgUpgrade     = "ERROR! The station directory refused the h2c upgrade."
	msgUnreachable = "ERROR! The station directory could not be reached."
	msgCancelled   = "ERROR! The request was cancelled."
)

type NearbyHandler struct {
	stationFinder models.StationFinder
}

func NewNearbyHandler(finder models.StationFinder) *NearbyHandler {
	return &NearbyHandler{
		stationFinder: finder,
	}
}

// Nearby answers one /nearby query with an HTTP status and a plain-text body.
func (h *NearbyHandler) Nearby(ctx context.Context, form map[string][]string) (int, string) {
	query, err := api.ParseNearbyParams(form)
	if err != nil {
		return ErrorResponse(err)
	}

	nearest, err := h.stationFinder.FindNearestStation(ctx, query.Latitude, query.Longitude)
	if err != nil {
		code, body := ErrorResponse(err)
		log.Warn().
			Err(err).
			Int("status", code).
			Float64("latitude", query.Latitude).
			Float64("longitude", query.Longitude).
			Msg("Nearby lookup failed")
		return code, body
	}

	return http.StatusOK, api.RenderStation(nearest, query.Locale)
}

// HandleGin serves GET /nearby.
func (h *NearbyHandler) HandleGin(c *gin.Context) {
	code, body := h.Nearby(c.Request.Context(), c.Request.URL.Query())
	c.Data(code, api.ContentTypeText, []byte(body))
}

// HandleRequest serves /nearby behind API Gateway.
func (h *NearbyHandler) HandleRequest(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	form := request.MultiValueQueryStringParameters
	if len(form) == 0 {
		form = api.FromSingleValues(request.QueryStringParameters)
	}

	code, body := h.Nearby(ctx, form)
	if code == http.StatusOK {
		return api.Success(body)
	}
	return api.Error(body, code)
}

// ErrorResponse maps a failed lookup to its HTTP status and body.
func ErrorResponse(err error) (int, string) {
	var paramErr *api.ParamError
	var upgradeErr *h2c.UpgradeError

	switch {
	case errors.As(err, &paramErr):
		return http.StatusBadRequest, paramErr.Error()
	case errors.Is(err, station.ErrStationNotFound):
		return http.StatusNotFound, msgNotFound
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, msgCancelled
	case isTimeout(err):
		return http.StatusGatewayTimeout, msgTimeout
	case grpcwire.CodeOf(err) == codes.Unavailable:
		return http.StatusServiceUnavailable, msgUnavailable
	case grpcwire.IsStatus(err):
		return http.StatusBadGateway, msgRPCFailed
	case errors.As(err, &upgradeErr):
		return http.StatusBadGateway, msgUpgrade
	}
	return http.StatusBadGateway, msgUnreachable
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) ||
		grpcwire.CodeOf(err) == codes.DeadlineExceeded
}
