package capacity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// AccountCapacity is the replication headroom of one account.
type AccountCapacity struct {
	AccountID string `json:"account_id"`

	// Known is false when no usable inventory exists for the account; the
	// counts are then zero and Error says why.
	Known bool   `json:"known"`
	Error string `json:"error,omitempty"`

	Used        int            `json:"used"`
	Max         int            `json:"max"`
	Available   int            `json:"available"`
	Utilization float64        `json:"utilization_percent"`
	Level       Level          `json:"level"`
	PerRegion   map[string]int `json:"per_region"`

	// FailedRegions lists regions whose last inventory query failed.
	FailedRegions []string `json:"failed_regions,omitempty"`
}

// CombinedCapacity sums the capacity of several linked accounts.
type CombinedCapacity struct {
	Used        int     `json:"used"`
	Max         int     `json:"max"`
	Available   int     `json:"available"`
	Utilization float64 `json:"utilization_percent"`
	Level       Level   `json:"level"`

	Accounts []AccountCapacity `json:"accounts"`

	// Unknown lists accounts that contributed nothing to the totals.
	Unknown []string `json:"unknown,omitempty"`
}

// Capacity returns the capacity of accountID from the cached inventory. Used
// counts replicating servers across the account's ACTIVE regions against the
// configured per-account ceiling. An account with no usable records comes
// back with Known false rather than an error; only a store failure is an
// error.
func (c *Cache) Capacity(ctx context.Context, accountID string) (*AccountCapacity, error) {
	records, err := c.Records(ctx)
	if err != nil {
		return nil, err
	}

	out := &AccountCapacity{
		AccountID: accountID,
		Max:       c.cfg.AccountCeiling,
		PerRegion: make(map[string]int),
		Level:     LevelUnknown,
	}

	found, active := 0, 0
	errs := make([]string, 0)
	for _, r := range records {
		if r.AccountID != accountID {
			continue
		}
		found++
		switch r.Status {
		case RegionStatusActive:
			active++
			out.Used += r.ReplicatingCount
			if r.ReplicatingCount > 0 {
				out.PerRegion[r.Region] += r.ReplicatingCount
			}
		case RegionStatusError:
			out.FailedRegions = append(out.FailedRegions, r.Region)
			if r.ErrorMessage != "" {
				errs = append(errs, fmt.Sprintf("%s: %s", r.Region, r.ErrorMessage))
			}
		}
	}
	sort.Strings(out.FailedRegions)

	switch {
	case found == 0:
		out.Error = "no inventory recorded for account"
		return out, nil
	case active == 0 && len(out.FailedRegions) > 0:
		out.Error = "inventory failed in every region: " + strings.Join(errs, "; ")
		return out, nil
	}

	out.Known = true
	out.Available = out.Max - out.Used
	if out.Available < 0 {
		out.Available = 0
	}
	out.Utilization = Utilization(out.Used, out.Max)
	out.Level = Classify(out.Utilization)

	c.metrics.SetCapacityUtilization(accountID, out.Utilization)
	return out, nil
}

// CombinedCapacity sums usage and ceilings across accountIDs. An account that
// cannot be evaluated is listed in Unknown and excluded from the totals; it
// never fails the whole query. Only a cancelled context is an error.
func (c *Cache) CombinedCapacity(ctx context.Context, accountIDs []string) (*CombinedCapacity, error) {
	accounts := make([]AccountCapacity, len(accountIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, id := range accountIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			acct, err := c.Capacity(gctx, id)
			if err != nil {
				c.logger.Warn().Err(err).Str("account_id", id).Msg("account capacity unavailable")
				accounts[i] = AccountCapacity{
					AccountID: id,
					Level:     LevelUnknown,
					Error:     err.Error(),
					PerRegion: map[string]int{},
				}
				return nil
			}
			accounts[i] = *acct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &CombinedCapacity{Accounts: accounts, Level: LevelUnknown}
	for _, acct := range accounts {
		if !acct.Known {
			out.Unknown = append(out.Unknown, acct.AccountID)
			continue
		}
		out.Used += acct.Used
		out.Max += acct.Max
	}

	if len(out.Unknown) < len(accounts) {
		out.Available = out.Max - out.Used
		if out.Available < 0 {
			out.Available = 0
		}
		out.Utilization = Utilization(out.Used, out.Max)
		out.Level = Classify(out.Utilization)
	}

	return out, nil
}
