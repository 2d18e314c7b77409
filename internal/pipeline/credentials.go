package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/mbta/dmap-loader/internal/warehouse"
)

// emptyPayloadHash is the SHA-256 digest of an empty body, required by
// SigV4 presigning for a GET request with no payload.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// rdsAuthTokenSource mints a short-lived RDS IAM auth token in place of a
// static password, used when DB_PASSWORD is unset and DB_REGION is set
// (spec.md §6). It is the concrete CredentialSource warehouse.Open
// invokes via its BeforeConnect hook, grounded on internal/objstore's
// reuse of aws-sdk-go-v2/config.LoadDefaultConfig for the default AWS
// credential chain (env, shared config, task role) — the region-scoped
// token itself is a SigV4-presigned connect URL, the standard technique
// for RDS IAM auth, built from the signer subpackage the core
// aws-sdk-go-v2 module already ships (no additional dependency).
func rdsAuthTokenSource(region, host, port, username string) warehouse.CredentialSource {
	return func(ctx context.Context) (string, string, error) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return "", "", fmt.Errorf("failed to load AWS config for RDS auth: %w", err)
		}

		creds, err := awsCfg.Credentials.Retrieve(ctx)
		if err != nil {
			return "", "", fmt.Errorf("failed to retrieve AWS credentials for RDS auth: %w", err)
		}

		endpoint := fmt.Sprintf("%s:%s", host, port)
		signURL := fmt.Sprintf("https://%s/?Action=connect&DBUser=%s", endpoint, url.QueryEscape(username))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, signURL, nil)
		if err != nil {
			return "", "", fmt.Errorf("failed to build RDS auth request: %w", err)
		}

		signer := v4.NewSigner()
		presigned, _, err := signer.PresignHTTP(ctx, creds, req, emptyPayloadHash, "rds-db", region, time.Now())
		if err != nil {
			return "", "", fmt.Errorf("failed to presign RDS auth token: %w", err)
		}

		token := strings.TrimPrefix(presigned, "https://")
		return username, token, nil
	}
}
