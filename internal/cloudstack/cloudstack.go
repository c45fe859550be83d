// Package cloudstack is the cloud-provisioning adapter (C3): it manages
// the CloudFormation stack that backs each instance's IAM role, and
// resolves that role's ARN once the stack has finished creating
// (spec.md §4.3). A stack that exists but has not yet published its
// outputs is a normal transient state, not an error — the reconciler
// requeues-short and tries again.
package cloudstack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
	"github.com/hexabase/pgconductor/internal/errs"
)

// NewClient loads the default AWS config (environment, shared config, IMDS)
// for region and builds a CloudFormation client from it.
func NewClient(ctx context.Context, region string) (*cloudformation.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cloudformation.NewFromConfig(cfg), nil
}

const stackOutputKey = "IAMRoleArn"

// cfAPI is the subset of *cloudformation.Client this adapter calls,
// narrowed to an interface so tests can substitute a fake.
type cfAPI interface {
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

// Adapter is the cloud-provisioning adapter (C3).
type Adapter struct {
	client               cfAPI
	templateBucket       string
	region               string
	backupArchiveBucket  string
	storageArchiveBucket string
}

// New builds an Adapter over an already-configured CloudFormation client.
func New(client cfAPI, templateBucket, region, backupArchiveBucket, storageArchiveBucket string) *Adapter {
	return &Adapter{
		client:               client,
		templateBucket:       templateBucket,
		region:               region,
		backupArchiveBucket:  backupArchiveBucket,
		storageArchiveBucket: storageArchiveBucket,
	}
}

// stackName derives the per-instance stack name from its namespace.
func stackName(namespace string) string {
	return "cdb-" + namespace
}

// isStackNotFound reports whether err is CloudFormation's way of saying a
// stack doesn't exist. The SDK has no dedicated typed exception for this
// (unlike AlreadyExistsException on create) — DescribeStacks returns a
// generic smithy.APIError with code ValidationError, so the stack-missing
// case is distinguished from other validation failures by message content.
func isStackNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "ValidationError" {
		return false
	}
	return strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

// CreateStack idempotently creates the instance's IAM role stack. Creating
// an already-existing stack is treated as success. readPath/writePath carry
// the event's backup source/destination prefixes through to the stack's
// template parameters, matching the original's create_cloudformation call
// (main.rs:835-841), which forwards both alongside the namespace.
func (a *Adapter) CreateStack(ctx context.Context, namespace, orgID, instID, readPath, writePath string) error {
	templateURL := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/iam-role.yaml", a.templateBucket, a.region)

	params := []cftypes.Parameter{
		{ParameterKey: aws.String("Namespace"), ParameterValue: aws.String(namespace)},
		{ParameterKey: aws.String("OrgId"), ParameterValue: aws.String(orgID)},
		{ParameterKey: aws.String("InstId"), ParameterValue: aws.String(instID)},
		{ParameterKey: aws.String("BackupArchiveBucket"), ParameterValue: aws.String(a.backupArchiveBucket)},
		{ParameterKey: aws.String("StorageArchiveBucket"), ParameterValue: aws.String(a.storageArchiveBucket)},
	}
	if readPath != "" {
		params = append(params, cftypes.Parameter{ParameterKey: aws.String("BackupsReadPath"), ParameterValue: aws.String(readPath)})
	}
	if writePath != "" {
		params = append(params, cftypes.Parameter{ParameterKey: aws.String("BackupsWritePath"), ParameterValue: aws.String(writePath)})
	}

	_, err := a.client.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:   aws.String(stackName(namespace)),
		TemplateURL: aws.String(templateURL),
		Capabilities: []cftypes.Capability{
			cftypes.CapabilityCapabilityNamedIam,
		},
		Parameters: params,
		Tags: []cftypes.Tag{
			{Key: aws.String("pgconductor.io/namespace"), Value: aws.String(namespace)},
		},
	})
	if err != nil {
		var alreadyExists *cftypes.AlreadyExistsException
		if errors.As(err, &alreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to create stack for namespace %q: %w", namespace, err)
	}
	return nil
}

// LookupRoleARN resolves the IAM role ARN published as a stack output.
// Returns errs.ErrNoOutputsFound while the stack is still creating and has
// not yet published its outputs — a normal transient state.
func (a *Adapter) LookupRoleARN(ctx context.Context, namespace string) (string, error) {
	out, err := a.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName(namespace)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe stack for namespace %q: %w", namespace, err)
	}

	if len(out.Stacks) == 0 {
		return "", errs.ErrNoOutputsFound
	}

	stack := out.Stacks[0]
	switch stack.StackStatus {
	case cftypes.StackStatusCreateInProgress, cftypes.StackStatusUpdateInProgress:
		return "", errs.ErrNoOutputsFound
	case cftypes.StackStatusRollbackComplete, cftypes.StackStatusRollbackFailed, cftypes.StackStatusCreateFailed:
		return "", fmt.Errorf("stack for namespace %q entered failed state %s", namespace, stack.StackStatus)
	}

	for _, output := range stack.Outputs {
		if output.OutputKey != nil && *output.OutputKey == stackOutputKey {
			if output.OutputValue == nil {
				return "", errs.ErrNoOutputsFound
			}
			return *output.OutputValue, nil
		}
	}
	return "", errs.ErrNoOutputsFound
}

// DeleteStack idempotently tears down the instance's stack. Returns
// errs.ErrDeleteNotComplete while deletion is still in progress.
func (a *Adapter) DeleteStack(ctx context.Context, namespace string) error {
	name := stackName(namespace)

	out, err := a.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		if isStackNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to describe stack for namespace %q: %w", namespace, err)
	}

	if len(out.Stacks) == 0 {
		return nil
	}

	switch out.Stacks[0].StackStatus {
	case cftypes.StackStatusDeleteInProgress:
		return errs.ErrDeleteNotComplete
	case cftypes.StackStatusDeleteComplete:
		return nil
	}

	if _, err := a.client.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete stack for namespace %q: %w", namespace, err)
	}
	return errs.ErrDeleteNotComplete
}
