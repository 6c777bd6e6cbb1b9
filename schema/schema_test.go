package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeport-io/capmesh/schema"
)

const manifestSchema = `{
  "type": "object",
  "required": ["name", "version"],
  "properties": {
    "name": {"type": "string"},
    "version": {"type": "string"}
  }
}`

func TestValidateManifestAccepts(t *testing.T) {
	v := schema.NewValidator()
	err := schema.ValidateManifest(v, []byte(manifestSchema), map[string]string{
		"name":    "demo",
		"version": "0.1.0",
	})
	require.NoError(t, err)
}

func TestValidateManifestRejectsMissingField(t *testing.T) {
	v := schema.NewValidator()
	err := schema.ValidateManifest(v, []byte(manifestSchema), map[string]string{
		"name": "demo",
	})
	require.Error(t, err)

	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Issues)
}
