package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gezibash/arc-dmls/internal/epochstore"
	"github.com/gezibash/arc-dmls/pkg/dmls"
	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/logging"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

func newSimulateCmd(a *app) *cobra.Command {
	var (
		metricsAddr string
		keep        bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a two-member fork scenario against the backend",
		Long: `Run a scenario between two members, Alice and Bob, against the configured
backend:

  1. Alice creates a group and adds Bob.
  2. Bob commits an update, which Alice merges into a new epoch.
  3. The same commit is replayed against Alice's old epoch and rejected.
  4. Bob sends a message in the old epoch, which Alice still reads.

Each member gets its own namespace prefix on the shared backend. The
namespaces are dropped afterwards unless --keep is set.

Examples:
  arc-dmls simulate
  arc-dmls simulate --backend memory --log-level debug
  arc-dmls simulate --backend sqlite --keep`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if metricsAddr == "" {
				metricsAddr = a.cfg.Observability.MetricsAddr
			}
			if metricsAddr != "" {
				if _, err := a.obs.ServeMetrics(ctx, metricsAddr); err != nil {
					return err
				}
			}

			runID := uuid.NewString()
			log := logging.New(a.obs.Logger).WithComponent("simulate").WithCorrelation(runID)

			base, err := a.openFactory(ctx, epochstore.WithNamespacePrefix(simPrefix(runID, "alice")))
			if err != nil {
				return err
			}
			defer func() { _ = base.Close() }()
			bobStore := epochstore.NewFactory(base.Backend(),
				epochstore.WithNamespacePrefix(simPrefix(runID, "bob")),
				epochstore.WithBackendName(a.cfg.Storage.Backend),
				epochstore.WithMetrics(a.obs.Metrics),
			)

			s := &simulation{
				out:   cmd.OutOrStdout(),
				suite: a.cfg.Suite(),
				opts:  []dmls.Option{dmls.WithLogger(log), dmls.WithMetrics(a.obs.Metrics)},
			}
			if s.alice, err = newSimMember("alice", base); err != nil {
				return err
			}
			if s.bob, err = newSimMember("bob", bobStore); err != nil {
				return err
			}

			fmt.Fprintf(s.out, "run %s on %s backend\n", runID, a.cfg.Storage.Backend)
			runErr := s.run(ctx)

			if !keep {
				for _, m := range []*simMember{s.alice, s.bob} {
					if err := m.dropAll(ctx); err != nil {
						log.WarnContext(ctx, "cleanup failed", "member", m.name, "error", err)
					}
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the scenario's namespaces")
	return cmd
}

func simPrefix(runID, member string) string {
	return "sim." + runID + "." + member + "."
}

type simMember struct {
	name    string
	signer  *mls.SignatureKeyPair
	factory *epochstore.Factory
}

func newSimMember(name string, f *epochstore.Factory) (*simMember, error) {
	signer, err := mls.GenerateSignatureKeyPair(f.Rand())
	if err != nil {
		return nil, fmt.Errorf("generate %s signer: %w", name, err)
	}
	return &simMember{name: name, signer: signer, factory: f}, nil
}

func (m *simMember) cred() mls.CredentialWithKey {
	return mls.CredentialWithKey{
		Credential:   mls.NewBasicCredential([]byte(m.name)),
		SignatureKey: m.signer.PublicKey(),
	}
}

func (m *simMember) dropAll(ctx context.Context) error {
	namespaces, err := m.factory.Namespaces(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, ns := range namespaces {
		id, err := epoch.Parse(ns)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, m.factory.StoreFor(id).Delete(ctx))
	}
	return errors.Join(errs...)
}

type simulation struct {
	out        io.Writer
	suite      mls.Ciphersuite
	opts       []dmls.Option
	alice, bob *simMember
}

func (s *simulation) step(format string, args ...any) {
	fmt.Fprintf(s.out, "  "+format+"\n", args...)
}

func (s *simulation) run(ctx context.Context) error {
	alice, bob := s.alice, s.bob

	ga, err := dmls.Create(ctx, alice.factory, alice.signer, mls.GroupConfig{Ciphersuite: s.suite}, alice.cred(), s.opts...)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	e0, err := ga.DeriveEpochID()
	if err != nil {
		return err
	}
	s.step("alice created group %s at %s", logging.FormatID(ga.GroupID()), e0.Short())

	kp, err := dmls.NewKeyPackage(ctx, bob.factory, s.suite, bob.signer, mls.NewBasicCredential([]byte(bob.name)))
	if err != nil {
		return err
	}
	add, err := ga.AddMembers(ctx, alice.factory, alice.signer, []*mls.KeyPackage{kp})
	if err != nil {
		return fmt.Errorf("add bob: %w", err)
	}
	if err := ga.MergePendingCommit(ctx, alice.factory); err != nil {
		return fmt.Errorf("merge add: %w", err)
	}
	e1, err := ga.DeriveEpochID()
	if err != nil {
		return err
	}
	gb, err := dmls.JoinFromWelcome(ctx, bob.factory, mls.JoinConfig{}, add.Welcome, s.opts...)
	if err != nil {
		return fmt.Errorf("bob join: %w", err)
	}
	s.step("bob joined at %s", e1.Short())

	update, err := gb.SelfUpdate(ctx, bob.factory, bob.signer, mls.LeafNodeParameters{})
	if err != nil {
		return fmt.Errorf("bob update: %w", err)
	}
	wire, err := update.Message.Marshal()
	if err != nil {
		return err
	}
	in, err := dmls.UnmarshalMessageIn(wire)
	if err != nil {
		return err
	}
	pm, err := ga.ProcessMessage(ctx, alice.factory, in)
	if err != nil {
		return fmt.Errorf("alice process update: %w", err)
	}
	sc, ok := pm.Content.(*mls.StagedCommit)
	if !ok {
		return fmt.Errorf("unexpected content %T", pm.Content)
	}
	if err := ga.MergeStagedCommit(ctx, alice.factory, sc); err != nil {
		return fmt.Errorf("alice merge update: %w", err)
	}
	e2, err := ga.DeriveEpochID()
	if err != nil {
		return err
	}
	s.step("alice merged bob's update: %s -> %s", e1.Short(), e2.Short())

	old, err := dmls.LoadForEpoch(ctx, alice.factory, e1, ga.GroupID(), s.opts...)
	if err != nil {
		return fmt.Errorf("load %s: %w", e1.Short(), err)
	}
	_, err = old.ProcessMessage(ctx, alice.factory, in)
	if !errors.Is(err, dmls.ErrCommitAlreadyMerged) {
		return fmt.Errorf("replay against %s: got %v, want rejection", e1.Short(), err)
	}
	s.step("replay against %s rejected", e1.Short())

	if err := gb.ClearPendingCommit(ctx, bob.factory); err != nil {
		return err
	}
	msg, err := gb.CreateMessage(ctx, bob.factory, bob.signer, []byte("still in "+e1.Short()))
	if err != nil {
		return fmt.Errorf("bob message: %w", err)
	}
	got, err := old.ProcessMessage(ctx, alice.factory, msg.In())
	if err != nil {
		return fmt.Errorf("alice read at %s: %w", e1.Short(), err)
	}
	s.step("alice read %q at %s", got.Content, e1.Short())

	for _, m := range []*simMember{alice, bob} {
		namespaces, err := m.factory.Namespaces(ctx)
		if err != nil {
			return err
		}
		short := make([]string, 0, len(namespaces))
		for _, ns := range namespaces {
			id, err := epoch.Parse(ns)
			if err != nil {
				return err
			}
			short = append(short, id.Short())
		}
		s.step("%s holds %d epochs: %s", m.name, len(short), strings.Join(short, ", "))
	}
	return nil
}
