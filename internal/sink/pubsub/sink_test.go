package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/IINGS/Crawler/internal/crawler"
)

func TestSendPublishesBatch(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/test/topics/records"})
	require.NoError(t, err)

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sink := New(client.Publisher("records"))
	defer sink.Stop()

	res, err := sink.Send(ctx, []crawler.Record{
		{Group: "innobiz", Key: "Acme_Kim", Company: "Acme", CEO: "Kim"},
		{Group: "cretop", Key: "Beta_Lee", Company: "Beta", CEO: "Lee"},
	})
	require.NoError(t, err)
	assert.Equal(t, crawler.SendSuccess, res.Status)
	assert.Equal(t, 2, res.Count)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "2", msgs[0].Attributes["batch_size"])
	assert.Equal(t, "cretop,innobiz", msgs[0].Attributes["groups"])
	var rows []map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &rows))
	assert.Equal(t, "Acme_Kim", rows[0]["고유키"])
}

func TestSendWithoutPublisher(t *testing.T) {
	_, err := New(nil).Send(context.Background(), nil)
	require.Error(t, err)
}
