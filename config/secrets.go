// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretRefPrefix marks a config value that names a Secrets Manager secret
// instead of carrying the secret itself. The remainder is the ARN or name.
const secretRefPrefix = "secret_arn:"

// SecretsAPI is the subset of the Secrets Manager client the resolver uses
// (enables testing).
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// newSecretsClient builds the real client lazily, only when a secret ref is
// actually present, so deployments without AWS credentials never touch it.
var newSecretsClient = func(ctx context.Context) (SecretsAPI, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(awsCfg), nil
}

// resolveSecrets replaces every secret-ref config value with the secret's
// current value.
func (c *Config) resolveSecrets() error {
	targets := []*string{
		&c.JWTSecret,
		&c.AuditIntegrationKey,
		&c.OpenAIAPIKey,
		&c.AnthropicAPIKey,
		&c.GeminiAPIKey,
		&c.CohereAPIKey,
		&c.AzureAPIKey,
		&c.EmbeddingAPIKey,
	}

	needsResolution := false
	for _, t := range targets {
		if strings.HasPrefix(*t, secretRefPrefix) {
			needsResolution = true
			break
		}
	}
	if !needsResolution {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := newSecretsClient(ctx)
	if err != nil {
		return err
	}

	for _, t := range targets {
		if !strings.HasPrefix(*t, secretRefPrefix) {
			continue
		}
		ref := strings.TrimPrefix(*t, secretRefPrefix)
		value, err := fetchSecret(ctx, client, ref)
		if err != nil {
			return fmt.Errorf("failed to resolve secret %s: %w", ref, err)
		}
		*t = value
	}
	return nil
}

func fetchSecret(ctx context.Context, client SecretsAPI, ref string) (string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", err
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	return string(out.SecretBinary), nil
}
