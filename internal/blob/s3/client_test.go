package s3blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "archive/edges/2026/05/01.jsonl", (&Client{}).key("archive/edges/2026/05/01.jsonl"))
	assert.Equal(t, "prod/archive/edges/2026/05/01.jsonl", (&Client{prefix: "prod"}).key("/archive/edges/2026/05/01.jsonl"))
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://minio.internal", normaliseEndpoint("minio.internal", true))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
