package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut    *ssm.GetParameterOutput
	getErr    error
	batchOut  *ssm.GetParametersOutput
	batchErr  error
	lastGetIn *ssm.GetParameterInput
	lastBatch *ssm.GetParametersInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeAPI) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.lastBatch = in
	return f.batchOut, f.batchErr
}

func strPtr(s string) *string { return &s }

func param(name, value string) types.Parameter {
	return types.Parameter{Name: strPtr(name), Value: strPtr(value)}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestGetParameter_DecryptsByName(t *testing.T) {
	p := param("/relay/config/openai_model", "gpt-4o-mini")
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &p}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /relay/config/openai_model ")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", v)
	require.Equal(t, "/relay/config/openai_model", *api.lastGetIn.Name)
	require.True(t, *api.lastGetIn.WithDecryption)
}

func TestGetParameter_Errors(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")

	client, err = New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")

	client, err = New(&fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameters_Batch(t *testing.T) {
	api := &fakeAPI{batchOut: &ssm.GetParametersOutput{Parameters: []types.Parameter{
		param("/a", "1"),
		param("/b", "2"),
	}}}
	client, err := New(api)
	require.NoError(t, err)

	values, err := client.GetParameters(context.Background(), "/a", "/b")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"/a": "1", "/b": "2"}, values)
	require.Equal(t, []string{"/a", "/b"}, api.lastBatch.Names)
}

func TestGetParameters_InvalidNames(t *testing.T) {
	api := &fakeAPI{batchOut: &ssm.GetParametersOutput{InvalidParameters: []string{"/missing"}}}
	client, err := New(api)
	require.NoError(t, err)

	_, err = client.GetParameters(context.Background(), "/missing")
	require.ErrorContains(t, err, "/missing")
}

func TestToken(t *testing.T) {
	p := param("/relay/pooled-api-token", `{"token":"sk-pool"}`)
	client, err := New(&fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &p}})
	require.NoError(t, err)

	tok, err := client.Token(context.Background(), "/relay/pooled-api-token")
	require.NoError(t, err)
	require.Equal(t, "sk-pool", tok)
}

func TestDecodeToken(t *testing.T) {
	_, err := DecodeToken(`{"other":"value"}`)
	require.ErrorContains(t, err, "API token is empty")

	_, err = DecodeToken(`{"broken`)
	require.ErrorContains(t, err, "unmarshal")
}
