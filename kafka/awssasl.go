// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package kafka

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	saslaws "github.com/kafkalistener/container/kafka/sasl/aws"
)

// newAWSMSKIAMSASL loads credentials from the default AWS credential chain
// (environment, shared config, container/instance role) and wraps them as a
// franz-go SASL mechanism for MSK IAM authentication.
func newAWSMSKIAMSASL() (SASLMechanism, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("kafka: failed loading default AWS config: %w", err)
	}
	return saslaws.New(cfg.Credentials, "kafkalistener"), nil
}
