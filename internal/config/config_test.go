package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsBothCloudStackAndCustomS3(t *testing.T) {
	c := &Config{}
	c.CloudStack.Enabled = true
	c.CustomS3.Enabled = true
	c.Server.Port = "8080"

	err := c.Validate()
	assert.Error(t, err)
}

func TestValidateRequiresTemplateBucketWhenCloudStackEnabled(t *testing.T) {
	c := &Config{}
	c.CloudStack.Enabled = true
	c.Server.Port = "8080"

	err := c.Validate()
	assert.Error(t, err)
}

func TestValidateRequiresCustomS3BucketWhenEnabled(t *testing.T) {
	c := &Config{}
	c.CustomS3.Enabled = true
	c.Server.Port = "8080"

	err := c.Validate()
	assert.Error(t, err)

	c.CustomS3.Bucket = "my-bucket"
	assert.NoError(t, c.Validate())
}

func TestValidatePassesWithMinimalConfig(t *testing.T) {
	c := &Config{}
	c.Server.Port = "8080"

	assert.NoError(t, c.Validate())
}
