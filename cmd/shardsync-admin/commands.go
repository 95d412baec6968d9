package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-shardsync/pkg/api"
	"github.com/dd0wney/cluso-shardsync/pkg/audit"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/validation"
)

var (
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for --role",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show tracker progress for a shard",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	reindexCmd = &cobra.Command{
		Use:   "reindex <stream> <id>...",
		Short: "Queue entities for reindexing on a stream (metadata, acl, content)",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runReindex,
	}
	searchCmd = &cobra.Command{
		Use:   "search <text>...",
		Short: "Search a shard or a coordinator",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Compare repository and index state for one entity",
	}
	auditNodeCmd = &cobra.Command{
		Use:   "node <id>",
		Short: "Reconcile a node",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditNode,
	}
	auditAclCmd = &cobra.Command{
		Use:   "acl <id>",
		Short: "Reconcile an ACL",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditAcl,
	}
	auditRecentCmd = &cobra.Command{
		Use:   "recent",
		Short: "List the shard's most recent reconciliations",
		Args:  cobra.NoArgs,
		RunE:  runAuditRecent,
	}

	commitCmd = &cobra.Command{
		Use:   "commit",
		Short: "Write to the repository",
	}
	commitNodeCmd = &cobra.Command{
		Use:   "node",
		Short: "Commit a node update in a new transaction",
		Args:  cobra.NoArgs,
		RunE:  runCommitNode,
	}
	commitAclCmd = &cobra.Command{
		Use:   "acl",
		Short: "Commit an ACL in a new change set",
		Args:  cobra.NoArgs,
		RunE:  runCommitAcl,
	}
	commitContentCmd = &cobra.Command{
		Use:   "content",
		Short: "Set a node's content",
		Args:  cobra.NoArgs,
		RunE:  runCommitContent,
	}
	deleteNodeCmd = &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete nodes, one transaction each",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDeleteNodes,
	}
)

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := validation.ParseEntityID(a)
		if err != nil {
			return nil, fmt.Errorf("id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	if secret == "" {
		return errors.New("--secret or SHARDSYNC_AUTH_SECRET is required")
	}
	m, err := auth.NewManager(secret, 0, "shardsync")
	if err != nil {
		return err
	}
	subject, _ := cmd.Flags().GetString("subject")
	token, expires, err := m.Sign(subject, role)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"token": token, "expiresAt": expires})
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, err := shardClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printStatus(cmd.OutOrStdout(), st, time.Now())
	return nil
}

func printStatus(out io.Writer, st api.StatusResponse, now time.Time) {
	fmt.Fprintf(out, "shard %d of %d  run %s\n\n", st.Shard.ShardInstance+1, st.Shard.ShardCount, st.RunID)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tPHASE\tINDEXED\tSERVER\tREMAINING\tLAST COMMIT\tPENDING\tROLLBACK")
	for _, t := range st.Trackers {
		age := "-"
		if !t.LastIndexedTxCommitTime.IsZero() {
			age = now.Sub(t.LastIndexedTxCommitTime).Round(time.Second).String() + " ago"
		}
		phase := string(t.Phase)
		if t.Reason != "" {
			phase += " (" + t.Reason + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%d\t%t\n",
			t.Stream, phase, t.LastIndexedTxID, t.LastTxIDOnServer, t.TxRemaining, age, t.PendingReindex, t.RollbackSuspected)
	}
	w.Flush()
}

func runReindex(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[1:])
	if err != nil {
		return err
	}
	c, err := shardClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	resp, err := c.Reindex(ctx, args[0], ids...)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %d on %s\n", resp.Queued, resp.Stream)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	authorities, _ := cmd.Flags().GetStringSlice("authority")
	limit, _ := cmd.Flags().GetInt("limit")
	c, err := shardClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	resp, err := c.Search(ctx, index.Query{Text: strings.Join(args, " "), Authorities: authorities, Limit: limit}, false)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tTX\tACL\tTYPE\tSCORE")
	for _, h := range resp.Hits {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%.3f\n", h.NodeID, h.TxID, h.AclID, h.Type, h.Score)
	}
	w.Flush()
	if resp.Report != nil {
		fmt.Fprintf(out, "\nindexed through tx %d, %d remaining\n", resp.LastIndexedTx, resp.TxRemaining)
	}
	return nil
}

func runAuditNode(cmd *cobra.Command, args []string) error {
	return runAudit(cmd, args[0], func(ctx context.Context, c *api.ShardClient, id int64) (audit.Report, any, error) {
		r, err := c.AuditNode(ctx, id)
		return r.Report, r, err
	})
}

func runAuditAcl(cmd *cobra.Command, args []string) error {
	return runAudit(cmd, args[0], func(ctx context.Context, c *api.ShardClient, id int64) (audit.Report, any, error) {
		r, err := c.AuditAcl(ctx, id)
		return r.Report, r, err
	})
}

func runAudit(cmd *cobra.Command, raw string, fetch func(context.Context, *api.ShardClient, int64) (audit.Report, any, error)) error {
	id, err := validation.ParseEntityID(raw)
	if err != nil {
		return err
	}
	c, err := shardClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	rep, full, err := fetch(ctx, c, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), full)
	}
	printReports(cmd.OutOrStdout(), []audit.Report{rep})
	return nil
}

func runAuditRecent(cmd *cobra.Command, _ []string) error {
	c, err := shardClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	reps, err := c.RecentAudits(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), reps)
	}
	printReports(cmd.OutOrStdout(), reps)
	return nil
}

func printReports(out io.Writer, reps []audit.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tOUTCOME\tREPO TX\tINDEXED TX\tDOCS\tCHECKED")
	for _, r := range reps {
		indexed := "-"
		if r.IndexedTxID != nil {
			indexed = strconv.FormatInt(*r.IndexedTxID, 10)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%d\t%s\n",
			r.Kind, r.ID, r.Outcome, r.RepositoryTxID, indexed, r.IndexedDocCount, r.CheckedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func printCommitted(cmd *cobra.Command, label string, id int64) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]int64{"id": id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "committed %s %d\n", label, id)
	return nil
}

func runCommitNode(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	id, _ := f.GetInt64("id")
	aclID, _ := f.GetInt64("acl")
	typ, _ := f.GetString("type")
	props, _ := f.GetStringToString("prop")

	node := model.Node{ID: id, AclID: aclID, Type: typ, Properties: props}
	if err := node.Validate(); err != nil {
		return err
	}
	c, err := repoClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	txID, err := c.CommitNodes(ctx, node)
	if err != nil {
		return err
	}
	return printCommitted(cmd, "transaction", txID)
}

func runCommitAcl(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	id, _ := f.GetInt64("id")
	readers, _ := f.GetStringSlice("reader")
	denied, _ := f.GetStringSlice("denied")
	deleted, _ := f.GetBool("delete")

	acl := model.Acl{ID: id, Readers: readers, Denied: denied, Deleted: deleted}
	if err := acl.Validate(); err != nil {
		return err
	}
	c, err := repoClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	csID, err := c.CommitAcls(ctx, acl)
	if err != nil {
		return err
	}
	return printCommitted(cmd, "change set", csID)
}

func runCommitContent(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	id, _ := f.GetInt64("id")
	text, _ := f.GetString("text")
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = string(data)
	}
	c, err := repoClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	txID, err := c.SetContent(ctx, id, text)
	if err != nil {
		return err
	}
	return printCommitted(cmd, "transaction", txID)
}

func runDeleteNodes(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	c, err := repoClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	txID, err := c.DeleteNodes(ctx, ids...)
	if err != nil {
		return err
	}
	return printCommitted(cmd, "transaction", txID)
}
