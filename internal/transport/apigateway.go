package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/smithy-go"
)

// PostToConnectionAPI is the subset of the API Gateway management client used here.
type PostToConnectionAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
	DeleteConnection(ctx context.Context, in *apigatewaymanagementapi.DeleteConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.DeleteConnectionOutput, error)
}

// APIGatewaySender pushes to connections held by an API Gateway websocket API.
// Any node can reach any connection, so it works across a fleet.
type APIGatewaySender struct {
	client PostToConnectionAPI
}

// NewAPIGatewaySender wraps a management API client.
func NewAPIGatewaySender(client PostToConnectionAPI) *APIGatewaySender {
	return &APIGatewaySender{client: client}
}

// NewAPIGatewayClient builds a management API client for the stage callback
// URL, e.g. https://{api-id}.execute-api.{region}.amazonaws.com/{stage}.
func NewAPIGatewayClient(ctx context.Context, region, endpoint string) (*apigatewaymanagementapi.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// Send posts payload to the connection. GoneException maps to gone; every
// other failure is transient.
func (s *APIGatewaySender) Send(ctx context.Context, connectionID string, payload []byte) error {
	_, err := s.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	return classifyAPIError(connectionID, "post to connection", err)
}

// Disconnect asks API Gateway to close the connection. A connection that is
// already gone is not an error.
func (s *APIGatewaySender) Disconnect(ctx context.Context, connectionID string) error {
	_, err := s.client.DeleteConnection(ctx, &apigatewaymanagementapi.DeleteConnectionInput{
		ConnectionId: aws.String(connectionID),
	})
	if err = classifyAPIError(connectionID, "delete connection", err); IsGone(err) {
		return nil
	}
	return err
}

func classifyAPIError(connectionID, op string, err error) error {
	if err == nil {
		return nil
	}

	var gone *types.GoneException
	if errors.As(err, &gone) {
		return Gone(connectionID, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return Transient(fmt.Sprintf("%s: %s", op, apiErr.ErrorCode()), err)
	}
	return Transient(op, err)
}
