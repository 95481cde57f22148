/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package secrets turns a database credential secret into a connection string.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
)

// Client is the subset of *secretmanager.Client used here.
type Client interface {
	AccessSecretVersion(context.Context, *secretmanagerpb.AccessSecretVersionRequest, ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// Credentials is the JSON document stored in the secret.
type Credentials struct {
	Host     string `json:"host"`
	DBName   string `json:"dbname"`
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port,omitempty"`
	SSLMode  string `json:"sslmode,omitempty"`
}

// DSN renders c as a postgres:// URL.  Port defaults to 5432 and sslmode to
// require.
func (c Credentials) DSN() (string, error) {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"host", c.Host},
		{"dbname", c.DBName},
		{"username", c.Username},
		{"password", c.Password},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("database secret is missing required fields: %s", strings.Join(missing, ", "))
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	mode := c.SSLMode
	if mode == "" {
		mode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": []string{mode}}.Encode(),
	}
	return u.String(), nil
}

// VersionName expands a bare secret id to its latest version.  Full resource
// names are returned unchanged.
func VersionName(projectID, secret string) string {
	if strings.HasPrefix(secret, "projects/") {
		if strings.Contains(secret, "/versions/") {
			return secret
		}
		return secret + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secret)
}

// DSN reads the credential secret named by secret and returns its DSN.
func DSN(ctx context.Context, client Client, projectID, secret string) (string, error) {
	name := VersionName(projectID, secret)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %s: %w", name, err)
	}
	var creds Credentials
	if err := json.Unmarshal(result.GetPayload().GetData(), &creds); err != nil {
		return "", fmt.Errorf("decoding database secret: %w", err)
	}
	return creds.DSN()
}
