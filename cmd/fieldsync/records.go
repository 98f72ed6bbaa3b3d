package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/schema"
)

var registerCmd = &cobra.Command{
	Use:     "register",
	GroupID: "records",
	Short:   "Register a beneficiary",
	Long: `Register a new beneficiary.

The record is saved locally first. When the program API is reachable and
nothing is waiting in the outbox it is sent straight away; otherwise it is
queued and shown as pending until the next sync.

Examples:
  fieldsync register --name "Sunita Devi" --age 24 --category pregnant_woman --phone 9876543210
  fieldsync register --name "Ravi" --age 3 --category child_6_59m --national-id 1234-5678-9012`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		b := schema.Beneficiary{}
		b.Name, _ = f.GetString("name")
		b.Age, _ = f.GetInt("age")
		b.Gender, _ = f.GetString("gender")
		b.Category, _ = f.GetString("category")
		b.Phone, _ = f.GetString("phone")
		b.AltPhone, _ = f.GetString("alt-phone")
		b.Address, _ = f.GetString("address")
		b.DocumentURIs, _ = f.GetStringSlice("doc")
		nationalID, _ := f.GetString("national-id")
		if raw, _ := f.GetString("due"); raw != "" {
			due, err := parseDay(raw)
			if err != nil {
				return err
			}
			b.FollowUpDue = &due
		}

		return withApp(cmd.Context(), func(a *app) error {
			out, err := a.store.AddBeneficiary(cmd.Context(), b, nationalID)
			if err != nil {
				return err
			}
			_ = a.store.SetCurrent(cmd.Context(), &out)
			if out.Pending {
				fmt.Printf("%s Saved %s offline (%s), queued for sync\n",
					renderWarn("⚠"), out.Name, renderAccent(out.ShortID))
				return nil
			}
			fmt.Printf("%s Registered %s (%s, id %s)\n",
				renderPass("✓"), out.Name, renderAccent(out.ShortID), out.Key())
			return nil
		})
	},
}

var updateCmd = &cobra.Command{
	Use:     "update [ref]",
	GroupID: "records",
	Short:   "Update a beneficiary",
	Long: `Update fields of a beneficiary. Only the flags given are changed.

ref is a short id, server id or temp id; omit it to use the current
beneficiary (see 'fieldsync use').`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		patch := schema.BeneficiaryPatch{
			Name:     changedString(f, "name"),
			Gender:   changedString(f, "gender"),
			Category: changedString(f, "category"),
			Phone:    changedString(f, "phone"),
			AltPhone: changedString(f, "alt-phone"),
			Address:  changedString(f, "address"),
			Status:   changedString(f, "status"),
		}
		if f.Changed("age") {
			age, _ := f.GetInt("age")
			patch.Age = &age
		}
		if f.Changed("doc") {
			patch.DocumentURIs, _ = f.GetStringSlice("doc")
		}
		if f.Changed("due") {
			raw, _ := f.GetString("due")
			due, err := parseDay(raw)
			if err != nil {
				return err
			}
			patch.FollowUpDue = &due
		}

		return withApp(cmd.Context(), func(a *app) error {
			b, err := resolveRef(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			out, err := a.store.UpdateBeneficiary(cmd.Context(), b.LocalID, patch)
			if err != nil {
				return err
			}
			printSaved(out.Pending, "Updated "+out.Name)
			return nil
		})
	},
}

var screenCmd = &cobra.Command{
	Use:     "screen [ref]",
	GroupID: "records",
	Short:   "Record a haemoglobin screening",
	Long: `Record a haemoglobin reading. Anaemia status and severity are graded
from the reading and the beneficiary's category.

Example:
  fieldsync screen ABCD2345 --hb 9.4 --method digital_hb`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hb, _ := cmd.Flags().GetFloat64("hb")
		method, _ := cmd.Flags().GetString("method")
		notes, _ := cmd.Flags().GetString("notes")

		return withApp(cmd.Context(), func(a *app) error {
			b, err := resolveRef(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			sc, err := a.store.AddScreening(cmd.Context(), schema.Screening{
				BeneficiaryLocalID: b.LocalID,
				BeneficiaryID:      b.ServerID,
				Hb:                 hb,
				Method:             method,
				Notes:              notes,
			})
			if err != nil {
				return err
			}
			grade := renderPass(sc.Severity)
			if sc.Anaemic {
				grade = renderFail(sc.Severity)
			}
			printSaved(sc.Pending, fmt.Sprintf("Hb %.1f g/dL for %s: %s", sc.Hb, b.Name, grade))
			return nil
		})
	},
}

var interveneCmd = &cobra.Command{
	Use:     "intervene [ref]",
	GroupID: "records",
	Short:   "Record IFA and deworming given",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		qty, _ := f.GetInt("ifa-qty")
		ifa, _ := f.GetBool("ifa")
		deworm, _ := f.GetBool("deworming")
		notes, _ := f.GetString("notes")

		return withApp(cmd.Context(), func(a *app) error {
			b, err := resolveRef(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			iv, err := a.store.AddIntervention(cmd.Context(), schema.Intervention{
				BeneficiaryLocalID: b.LocalID,
				BeneficiaryID:      b.ServerID,
				IFAYes:             ifa || qty > 0,
				IFAQuantity:        qty,
				Deworming:          deworm,
				Notes:              notes,
			})
			if err != nil {
				return err
			}
			printSaved(iv.Pending, "Intervention recorded for "+b.Name)
			return nil
		})
	},
}

var referCmd = &cobra.Command{
	Use:     "refer [ref]",
	GroupID: "records",
	Short:   "Schedule a follow-up visit or referral",
	Long: `Schedule a follow-up visit. With --facility the visit is a referral to
that facility.

Example:
  fieldsync refer ABCD2345 --visit 2026-11-02 --facility "PHC Rampur"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		raw, _ := f.GetString("visit")
		facility, _ := f.GetString("facility")
		notes, _ := f.GetString("notes")
		visit, err := parseDay(raw)
		if err != nil {
			return err
		}

		return withApp(cmd.Context(), func(a *app) error {
			b, err := resolveRef(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			fu, err := a.store.AddReferral(cmd.Context(), schema.FollowUp{
				BeneficiaryLocalID: b.LocalID,
				BeneficiaryID:      b.ServerID,
				VisitDate:          visit,
				Referral:           facility != "",
				ReferralFacility:   facility,
				Notes:              notes,
			})
			if err != nil {
				return err
			}
			what := "Follow-up"
			if fu.Referral {
				what = "Referral to " + fu.ReferralFacility
			}
			printSaved(fu.Pending, fmt.Sprintf("%s on %s for %s", what, fu.VisitDate.Format("2006-01-02"), b.Name))
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List beneficiaries",
	Long: `List beneficiaries with their latest screening.

Online, the list is fetched from the program API and cached; offline, the
cached list is shown together with records still waiting to sync.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var filters gateway.Filters
		filters.Query, _ = f.GetString("query")
		filters.Category, _ = f.GetString("category")
		if raw, _ := f.GetString("due-before"); raw != "" {
			due, err := parseDay(raw)
			if err != nil {
				return err
			}
			filters.FollowUpDueBefore = &due
		}
		asJSON, _ := f.GetBool("json")

		return withApp(cmd.Context(), func(a *app) error {
			list, err := a.store.FetchBeneficiaries(cmd.Context(), filters)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(list)
			}
			printBeneficiaries(list)
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:     "show [ref]",
	GroupID: "records",
	Short:   "Show one beneficiary and its screenings",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			b, err := resolveRef(ctx, a, args)
			if err != nil {
				return err
			}
			screenings, err := a.db.ListScreenings(ctx, b.LocalID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(struct {
					*schema.Beneficiary
					Screenings []schema.Screening `json:"screenings"`
				}{b, screenings})
			}

			nScreen, nInterv, nFollow, err := a.db.CountSubRecords(ctx, b.LocalID)
			if err != nil {
				return err
			}
			state := renderPass("synced")
			if !b.Synced() {
				state = renderWarn("pending")
			}
			fmt.Printf("\n%s %s (%s)\n\n", renderTitle(b.Name), renderAccent(b.ShortID), state)
			fmt.Printf("Category:  %s\n", b.Category)
			fmt.Printf("Age:       %d\n", b.Age)
			fmt.Printf("Phone:     %s\n", b.Phone)
			fmt.Printf("Address:   %s\n", b.Address)
			if b.FollowUpDue != nil {
				fmt.Printf("Next due:  %s\n", b.FollowUpDue.Format("2006-01-02"))
			}
			fmt.Printf("Records:   %d screenings, %d interventions, %d follow-ups\n", nScreen, nInterv, nFollow)
			for _, s := range screenings {
				fmt.Printf("  %s  Hb %.1f  %s\n", s.CreatedAt.Format("2006-01-02"), s.Hb, s.Severity)
			}
			fmt.Println()
			return nil
		})
	},
}

var useCmd = &cobra.Command{
	Use:     "use [ref]",
	GroupID: "records",
	Short:   "Set the beneficiary later commands act on",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clearCurrent, _ := cmd.Flags().GetBool("clear")
		return withApp(cmd.Context(), func(a *app) error {
			if clearCurrent {
				return a.store.SetCurrent(cmd.Context(), nil)
			}
			if len(args) == 0 {
				cur, err := a.store.CurrentBeneficiary(cmd.Context())
				if err != nil {
					return err
				}
				if cur == nil {
					fmt.Println("No current beneficiary")
					return nil
				}
				fmt.Printf("Current: %s (%s)\n", cur.Name, renderAccent(cur.ShortID))
				return nil
			}
			b, err := resolveRef(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			if err := a.store.SetCurrent(cmd.Context(), b); err != nil {
				return err
			}
			fmt.Printf("%s Now working on %s (%s)\n", renderPass("✓"), b.Name, renderAccent(b.ShortID))
			return nil
		})
	},
}

// resolveRef finds the beneficiary named by args[0], or the current one.
func resolveRef(ctx context.Context, a *app, args []string) (*schema.Beneficiary, error) {
	if len(args) == 0 || args[0] == "." {
		cur, err := a.store.CurrentBeneficiary(ctx)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, errors.New("no beneficiary given and none selected (see 'fieldsync use')")
		}
		// The snapshot copy may predate the server id; reload the local row.
		if cur.LocalID != 0 {
			return a.db.GetBeneficiary(ctx, cur.LocalID)
		}
		return a.store.Lookup(ctx, cur.Key())
	}
	b, err := a.store.Lookup(ctx, strings.TrimSpace(args[0]))
	if err != nil {
		return nil, fmt.Errorf("beneficiary %s: %w", args[0], err)
	}
	return b, nil
}

// changedString returns the flag's value only when it was given.
func changedString(f *pflag.FlagSet, name string) *string {
	if !f.Changed(name) {
		return nil
	}
	val, _ := f.GetString(name)
	return &val
}

func parseDay(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t.UTC(), nil
}

func printSaved(pending bool, msg string) {
	if pending {
		fmt.Printf("%s %s %s\n", renderWarn("⚠"), msg, renderMuted("(queued for sync)"))
		return
	}
	fmt.Printf("%s %s\n", renderPass("✓"), msg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBeneficiaries(list []schema.Beneficiary) {
	if len(list) == 0 {
		fmt.Println("No beneficiaries")
		return
	}
	nameWidth := terminalWidth() - 60
	if nameWidth < 12 {
		nameWidth = 12
	}
	if nameWidth > 32 {
		nameWidth = 32
	}

	fmt.Println(renderTitle(fmt.Sprintf("%-9s %-*s %-18s %-12s %-10s %s",
		"SHORT ID", nameWidth, "NAME", "CATEGORY", "LAST HB", "DUE", "STATE")))
	for _, b := range list {
		hb := "-"
		if s := b.LatestScreening; s != nil {
			hb = fmt.Sprintf("%.1f %s", s.Hb, s.Severity)
		}
		due := "-"
		if b.FollowUpDue != nil {
			due = b.FollowUpDue.Format("2006-01-02")
		}
		state := "synced"
		if b.Pending {
			state = renderWarn("pending")
		}
		fmt.Printf("%-9s %-*s %-18s %-12s %-10s %s\n",
			b.ShortID, nameWidth, truncate(b.Name, nameWidth), truncate(b.Category, 18), hb, due, state)
	}
	fmt.Printf("\n%d beneficiaries\n", len(list))
}

func addBeneficiaryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("name", "", "full name")
	f.Int("age", 0, "age in years")
	f.String("gender", "", "gender")
	f.String("category", "", "program category (e.g. pregnant_woman, child_6_59m)")
	f.String("phone", "", "10 digit phone number")
	f.String("alt-phone", "", "alternate phone number")
	f.String("address", "", "address")
	f.StringSlice("doc", nil, "document scan URI (repeatable)")
	f.String("due", "", "next follow-up date (YYYY-MM-DD)")
}

func init() {
	addBeneficiaryFlags(registerCmd)
	registerCmd.Flags().String("national-id", "", "national id; used only to derive the unique id")
	_ = registerCmd.MarkFlagRequired("name")

	addBeneficiaryFlags(updateCmd)
	updateCmd.Flags().String("status", "", "active or inactive")

	screenCmd.Flags().Float64("hb", 0, "haemoglobin in g/dL")
	screenCmd.Flags().String("method", schema.MethodDigital, "digital_hb, sahli or lab")
	screenCmd.Flags().String("notes", "", "notes")
	_ = screenCmd.MarkFlagRequired("hb")

	interveneCmd.Flags().Bool("ifa", false, "iron-folic acid given")
	interveneCmd.Flags().Int("ifa-qty", 0, "IFA tablets given")
	interveneCmd.Flags().Bool("deworming", false, "deworming dose given")
	interveneCmd.Flags().String("notes", "", "notes")

	referCmd.Flags().String("visit", "", "visit date (YYYY-MM-DD)")
	referCmd.Flags().String("facility", "", "refer to this facility")
	referCmd.Flags().String("notes", "", "notes")
	_ = referCmd.MarkFlagRequired("visit")

	listCmd.Flags().StringP("query", "q", "", "match name, short id or phone")
	listCmd.Flags().String("category", "", "only this category")
	listCmd.Flags().String("due-before", "", "follow-up due before date (YYYY-MM-DD)")
	listCmd.Flags().Bool("json", false, "print JSON")

	showCmd.Flags().Bool("json", false, "print JSON")
	useCmd.Flags().Bool("clear", false, "clear the current beneficiary")

	rootCmd.AddCommand(registerCmd, updateCmd, screenCmd, interveneCmd, referCmd, listCmd, showCmd, useCmd)
}
