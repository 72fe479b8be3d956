package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManagementAPI struct {
	err     error
	posted  map[string][]byte
	deleted []string
}

func (f *fakeManagementAPI) PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.posted == nil {
		f.posted = make(map[string][]byte)
	}
	f.posted[aws.ToString(in.ConnectionId)] = in.Data
	return &apigatewaymanagementapi.PostToConnectionOutput{}, nil
}

func (f *fakeManagementAPI) DeleteConnection(ctx context.Context, in *apigatewaymanagementapi.DeleteConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.DeleteConnectionOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, aws.ToString(in.ConnectionId))
	return &apigatewaymanagementapi.DeleteConnectionOutput{}, nil
}

func TestAPIGatewaySender_Send(t *testing.T) {
	fake := &fakeManagementAPI{}
	s := NewAPIGatewaySender(fake)

	require.NoError(t, s.Send(context.Background(), "abc=", []byte(`{"event":"x"}`)))
	assert.Equal(t, `{"event":"x"}`, string(fake.posted["abc="]))
}

func TestAPIGatewaySender_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantGone      bool
		wantTransient bool
	}{
		{
			name:     "gone exception",
			err:      &types.GoneException{Message: aws.String("gone")},
			wantGone: true,
		},
		{
			name:          "throttled",
			err:           &smithy.GenericAPIError{Code: "LimitExceededException", Message: "slow down"},
			wantTransient: true,
		},
		{
			name:          "network",
			err:           errors.New("dial tcp: i/o timeout"),
			wantTransient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewAPIGatewaySender(&fakeManagementAPI{err: tt.err})
			err := s.Send(context.Background(), "abc=", []byte("x"))
			assert.Equal(t, tt.wantGone, IsGone(err), "IsGone(%v)", err)
			assert.Equal(t, tt.wantTransient, IsTransient(err), "IsTransient(%v)", err)
		})
	}
}

func TestAPIGatewaySender_Disconnect(t *testing.T) {
	fake := &fakeManagementAPI{}
	s := NewAPIGatewaySender(fake)
	require.NoError(t, s.Disconnect(context.Background(), "abc="))
	assert.Equal(t, []string{"abc="}, fake.deleted)

	gone := NewAPIGatewaySender(&fakeManagementAPI{err: &types.GoneException{Message: aws.String("gone")}})
	assert.NoError(t, gone.Disconnect(context.Background(), "abc="), "already gone is fine")
}
