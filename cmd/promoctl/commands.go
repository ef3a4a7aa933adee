package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/DukeRupert/promokit/internal"
	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/DukeRupert/promokit/internal/service"
	"github.com/google/uuid"
)

// errUsage reports a command line that could not be parsed or is missing a
// required flag.
var errUsage = errors.New("usage")

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"migrate":         {"apply pending database migrations", runMigrate},
	"create-account":  {"open an account (--email, --tier, --expires)", runCreateAccount},
	"set-plan":        {"change an account's tier and expiry", runSetPlan},
	"usage":           {"print an account's quota usage", runUsage},
	"recount":         {"rebuild usage counters for one or all accounts", runRecount},
	"create-campaign": {"create a campaign and render its codes", runCreateCampaign},
	"redeem":          {"redeem a code by token", runRedeem},
	"lookup":          {"show the public view of a code", runLookup},
	"delete-campaign": {"delete a campaign with all its codes", runDeleteCampaign},
	"list-campaigns":  {"list an account's campaigns, newest first", runListCampaigns},
	"list-codes":      {"list codes of a campaign or of a whole account", runListCodes},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: promoctl <command> [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
}

// exitCode maps an error to the process exit status: 2 for usage errors,
// 3 for expected business rejections, 1 for everything else.
func exitCode(err error) int {
	var verr *domain.ValidationError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return 2
	case errors.As(err, &verr):
		return 3
	}
	var derr *domain.Error
	if errors.As(err, &derr) && derr.Code != domain.EINTERNAL {
		return 3
	}
	return 1
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %v\n", fs.Args())
		return errUsage
	}
	return nil
}

func parseUUID(flagName, value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, fmt.Errorf("%w: --%s is required", errUsage, flagName)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: --%s: %v", errUsage, flagName, err)
	}
	return id, nil
}

// parseTime accepts RFC 3339 timestamps; an empty value means no time.
func parseTime(flagName, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%w: --%s must be RFC 3339: %v", errUsage, flagName, err)
	}
	return &t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Commands
// =============================================================================

func runMigrate(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("migrate")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := internal.RunMigrations(ctx, a.db.DB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	version, err := internal.MigrationVersion(ctx, a.db.DB)
	if err != nil {
		return err
	}
	a.logger.Info("database ready", "version", version)
	return printJSON(a.out, map[string]int64{"version": version})
}

func runCreateAccount(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("create-account")
	email := fs.String("email", "", "account email")
	tier := fs.String("tier", string(domain.SubscriptionTierFree), "free, pro or pro_trial")
	expires := fs.String("expires", "", "subscription expiry (RFC 3339)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	expiresAt, err := parseTime("expires", *expires)
	if err != nil {
		return err
	}

	account, err := a.quota.CreateAccount(ctx, domain.AdminActor(), *email, domain.SubscriptionTier(*tier), expiresAt)
	if err != nil {
		return err
	}
	return printJSON(a.out, account)
}

func runSetPlan(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("set-plan")
	accountID := fs.String("account", "", "account ID")
	tier := fs.String("tier", "", "free, pro or pro_trial")
	expires := fs.String("expires", "", "subscription expiry (RFC 3339); empty clears it")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := parseUUID("account", *accountID)
	if err != nil {
		return err
	}
	expiresAt, err := parseTime("expires", *expires)
	if err != nil {
		return err
	}

	account, err := a.quota.SetSubscription(ctx, domain.AdminActor(), id, domain.SubscriptionTier(*tier), expiresAt)
	if err != nil {
		return err
	}
	return printJSON(a.out, account)
}

func runUsage(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("usage")
	accountID := fs.String("account", "", "account ID")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := parseUUID("account", *accountID)
	if err != nil {
		return err
	}

	usage, err := a.quota.GetUsage(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(a.out, usage)
}

func runRecount(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("recount")
	accountID := fs.String("account", "", "account ID; all accounts when empty")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if *accountID == "" {
		summary, err := a.quota.RecountAll(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(a.out, summary); err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d accounts failed to recount", summary.Failed, summary.Accounts)
		}
		return nil
	}

	id, err := parseUUID("account", *accountID)
	if err != nil {
		return err
	}
	account, err := a.quota.Recount(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(a.out, account)
}

func runCreateCampaign(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("create-campaign")
	accountID := fs.String("account", "", "owner account ID")
	name := fs.String("name", "", "campaign name")
	description := fs.String("description", "", "campaign description")
	codes := fs.Int("codes", 1, "number of codes to generate")
	limit := fs.Int("limit", domain.DefaultRedemptionLimit, "redemptions allowed per code")
	expires := fs.String("expires", "", "campaign expiry (RFC 3339)")
	inactive := fs.Bool("inactive", false, "create the campaign switched off")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	owner, err := parseUUID("account", *accountID)
	if err != nil {
		return err
	}
	expiresAt, err := parseTime("expires", *expires)
	if err != nil {
		return err
	}

	result, err := a.campaigns.Create(ctx, domain.AdminActor(), domain.CreateCampaignParams{
		OwnerAccountID:         owner,
		Name:                   *name,
		Description:            *description,
		RedemptionLimitPerCode: *limit,
		CodeCount:              *codes,
		ExpiresAt:              expiresAt,
		Inactive:               *inactive,
	})
	if err != nil {
		return err
	}
	return printJSON(a.out, result)
}

func runRedeem(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("redeem")
	token := fs.String("token", "", "code token")
	ip := fs.String("ip", "", "scanner IP address")
	userAgent := fs.String("user-agent", "", "scanner user agent")
	device := fs.String("device", "", "scanner device")
	location := fs.String("location", "", "scan location")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *token == "" {
		return fmt.Errorf("%w: --token is required", errUsage)
	}

	result, err := a.redemption.Redeem(ctx, *token, time.Now(), domain.ScanOrigin{
		IP:        *ip,
		UserAgent: *userAgent,
		Device:    *device,
		Location:  *location,
	})
	if err != nil {
		return err
	}
	return printJSON(a.out, result)
}

func runLookup(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("lookup")
	token := fs.String("token", "", "code token")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	view, err := a.redemption.Lookup(ctx, *token)
	if err != nil {
		return err
	}
	return printJSON(a.out, view)
}

func runDeleteCampaign(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("delete-campaign")
	campaignID := fs.String("campaign", "", "campaign ID")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := parseUUID("campaign", *campaignID)
	if err != nil {
		return err
	}

	result, err := a.campaigns.Delete(ctx, domain.AdminActor(), id)
	if err != nil {
		return err
	}
	return printJSON(a.out, result)
}

func runListCampaigns(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("list-campaigns")
	accountID := fs.String("account", "", "owner account ID")
	limit := fs.Int("limit", 10, "page size")
	offset := fs.Int("offset", 0, "number of campaigns to skip")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := parseUUID("account", *accountID)
	if err != nil {
		return err
	}

	result, err := a.campaigns.ListCampaigns(ctx, domain.AdminActor(), id, *limit, *offset)
	if err != nil {
		return err
	}
	return printJSON(a.out, result)
}

func runListCodes(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("list-codes")
	campaignID := fs.String("campaign", "", "campaign ID")
	accountID := fs.String("account", "", "owner account ID, used without --campaign")
	search := fs.String("search", "", "token substring")
	limit := fs.Int("limit", 50, "page size")
	offset := fs.Int("offset", 0, "number of codes to skip")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	params := service.ListCodesParams{Search: *search, Limit: *limit, Offset: *offset}
	if *campaignID != "" {
		id, err := parseUUID("campaign", *campaignID)
		if err != nil {
			return err
		}
		params.CampaignID = id
	} else {
		id, err := parseUUID("account", *accountID)
		if err != nil {
			return err
		}
		params.AccountID = id
	}

	result, err := a.campaigns.ListCodes(ctx, domain.AdminActor(), params)
	if err != nil {
		return err
	}
	return printJSON(a.out, result)
}
