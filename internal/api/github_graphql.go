package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// GraphQLClient represents a client for the GitHub GraphQL API
type GraphQLClient struct {
	client *githubv4.Client
}

// NewGraphQLClient creates a new GraphQL client
func NewGraphQLClient(token string) *GraphQLClient {
	return &GraphQLClient{client: githubv4.NewClient(tokenClient(token))}
}

// NewGraphQLClientWithURL creates a GraphQL client for a non-default endpoint
func NewGraphQLClientWithURL(token, endpoint string) *GraphQLClient {
	return &GraphQLClient{client: githubv4.NewEnterpriseClient(endpoint, tokenClient(token))}
}

func tokenClient(token string) *http.Client {
	src := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return oauth2.NewClient(context.Background(), src)
}

// RateLimitStatus is the GraphQL API budget of the authenticated token
type RateLimitStatus struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Low reports whether less than a tenth of the budget is left
func (s RateLimitStatus) Low() bool {
	return s.Limit > 0 && s.Remaining*10 < s.Limit
}

// RateLimit queries the remaining API budget. GraphQL requires a token.
func (c *GraphQLClient) RateLimit(ctx context.Context) (*RateLimitStatus, error) {
	var query struct {
		RateLimit struct {
			Limit     githubv4.Int
			Cost      githubv4.Int
			Remaining githubv4.Int
			ResetAt   githubv4.DateTime
		}
	}

	if err := c.client.Query(ctx, &query, nil); err != nil {
		return nil, fmt.Errorf("failed to query rate limit: %w", err)
	}

	return &RateLimitStatus{
		Limit:     int(query.RateLimit.Limit),
		Remaining: int(query.RateLimit.Remaining),
		ResetAt:   query.RateLimit.ResetAt.Time,
	}, nil
}
