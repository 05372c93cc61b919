package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"mercury/internal/debuglog"
	"mercury/internal/proto"
	"mercury/internal/vault"
)

type rootOptions struct {
	env    env
	dir    string
	debug  bool
	client *client
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mercury",
		Short:         "Mercury client: profiles, homes, pairing and calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if opts.dir != "" {
				e.Dir = opts.dir
			}
			if opts.debug {
				e.Debug = true
			}
			opts.env = e
			debuglog.Setup(debuglog.Options{Debug: e.Debug})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.client != nil {
				opts.client.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.dir, "dir", "", "client state dir (default ~/.mercury, env MERCURY_DIR)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "debug logging")

	root.AddCommand(
		keygenCmd(opts),
		whoamiCmd(opts),
		addHomeCmd(opts),
		registerCmd(opts),
		claimCmd(opts),
		pairCmd(opts),
		acceptCmd(opts),
		relationsCmd(opts),
		eventsCmd(opts),
		pingCmd(opts),
		callCmd(opts),
		listenCmd(opts),
		unregisterCmd(opts),
	)
	return root
}

// open lazily builds the client for commands that need the key.
func (o *rootOptions) open(ctx context.Context) (*client, error) {
	if o.client != nil {
		return o.client, nil
	}
	c, err := openClient(ctx, o.env)
	if err != nil {
		return nil, err
	}
	o.client = c
	return c, nil
}

func (o *rootOptions) timeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.env.Timeout)
}

func parseID(s string) (proto.ProfileID, error) {
	id, err := proto.ParseProfileID(s)
	if err != nil {
		return proto.ProfileID{}, errors.Wrapf(err, "profile id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keygenCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the profile key if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, created, err := vault.LoadOrCreate(o.env.keyDir())
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(cmd.ErrOrStderr(), "key already present")
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.ProfileID().String())
			return nil
		},
	}
}

func whoamiCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the profile id, key and homes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", c.signer.ProfileID())
			fmt.Fprintf(out, "pubkey: %s\n", c.signer.PublicKey())
			own, err := c.gateway.OwnProfile(cmd.Context())
			if err != nil {
				fmt.Fprintln(out, "not registered")
				return nil
			}
			fmt.Fprintf(out, "version: %d\n", own.Public.Version)
			if persona, ok := own.Public.PersonaFacet(); ok {
				for _, h := range persona.HomeIDs(own.ID()) {
					fmt.Fprintf(out, "home:   %s\n", h)
				}
			}
			return nil
		},
	}
}

func addHomeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-home <addr> <pubkey>",
		Short: "Learn a home from its address and public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			var pub proto.PublicKey
			if err := pub.UnmarshalText([]byte(args[1])); err != nil {
				return errors.Wrap(err, "public key")
			}
			ctx, cancel := o.timeout(cmd)
			defer cancel()
			hp, err := c.addHome(ctx, args[0], pub)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hp.ID.String())
			return nil
		},
	}
}

func registerCmd(o *rootOptions) *cobra.Command {
	var invitePath string
	cmd := &cobra.Command{
		Use:   "register <home-id>",
		Short: "Ask a home to host this profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			homeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			var invite *proto.HomeInvitation
			if invitePath != "" {
				data, err := os.ReadFile(invitePath)
				if err != nil {
					return err
				}
				invite = &proto.HomeInvitation{}
				if err := json.Unmarshal(data, invite); err != nil {
					return errors.Wrap(err, "invitation")
				}
			}
			ctx, cancel := o.timeout(cmd)
			defer cancel()
			own, err := c.gateway.OwnProfile(ctx)
			if err != nil {
				own = proto.NewOwnProfile(proto.NewProfile(c.signer.PublicKey()), nil)
			}
			stored, err := c.gateway.Register(ctx, homeID, own, invite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered on %s (profile version %d)\n", homeID.Short(), stored.Public.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&invitePath, "invite", "", "invitation JSON issued by the home")
	return cmd
}

func claimCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <home-id>",
		Short: "Fetch this profile's stored copy from a home",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			homeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := o.timeout(cmd)
			defer cancel()
			own, err := c.gateway.Claim(ctx, homeID, c.signer.ProfileID())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), own.Public)
		},
	}
}

func pairCmd(o *rootOptions) *cobra.Command {
	var relationType string
	cmd := &cobra.Command{
		Use:   "pair <peer-id>",
		Short: "Send a pairing request to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			peer, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := o.timeout(cmd)
			defer cancel()
			if _, err := c.gateway.PairRequest(ctx, relationType, peer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pairing request sent to %s\n", peer.Short())
			return nil
		},
	}
	cmd.Flags().StringVar(&relationType, "type", proto.RelationEnableCallBetween, "relation type")
	return cmd
}

func acceptCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <half-proof.json>",
		Short: "Accept a pairing request saved by `events`",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var half proto.RelationHalfProof
			if err := json.Unmarshal(data, &half); err != nil {
				return errors.Wrap(err, "half proof")
			}
			ctx, cancel := o.timeout(cmd)
			defer cancel()
			proof, err := c.gateway.AcceptPairing(ctx, half)
			if err != nil {
				return err
			}
			if err := c.relations.add(proof); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paired with %s\n", half.SignerID.Short())
			return nil
		},
	}
}

func relationsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "relations",
		Short: "List saved relation proofs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			proofs, err := c.relations.list()
			if err != nil {
				return err
			}
			me := c.signer.ProfileID()
			for _, p := range proofs {
				peer, err := p.PeerID(me)
				if err != nil {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.RelationType, peer)
			}
			return nil
		},
	}
}

func eventsCmd(o *rootOptions) *cobra.Command {
	var acceptAll bool
	var saveDir string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Log in and print profile events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := o.timeout(cmd)
			sess, err := c.gateway.Login(ctx)
			cancel()
			if err != nil {
				return err
			}
			defer context.AfterFunc(cmd.Context(), func() { _ = sess.Close() })()
			out := cmd.OutOrStdout()
			for r := range sess.Events() {
				if r.Err != nil {
					return r.Err
				}
				ev := r.Value
				switch ev.Kind {
				case proto.EventPairingRequest:
					half := *ev.PairingRequest
					fmt.Fprintf(out, "pairing request from %s (%s)\n", half.SignerID, half.RelationType)
					if saveDir != "" {
						path := filepath.Join(saveDir, "pair-"+half.SignerID.Short()+".json")
						data, _ := json.MarshalIndent(half, "", "  ")
						if err := os.WriteFile(path, data, 0o600); err != nil {
							return err
						}
						fmt.Fprintf(out, "  saved to %s\n", path)
					}
					if acceptAll {
						actx, acancel := o.timeout(cmd)
						proof, err := c.gateway.AcceptPairing(actx, half)
						acancel()
						if err != nil {
							fmt.Fprintf(out, "  accept failed: %v\n", err)
							continue
						}
						if err := c.relations.add(proof); err != nil {
							return err
						}
						fmt.Fprintln(out, "  accepted")
					}
				case proto.EventPairingResponse:
					proof := *ev.PairingResponse
					if err := c.relations.add(proof); err != nil {
						fmt.Fprintf(out, "pairing response rejected: %v\n", err)
						continue
					}
					peer, _ := proof.PeerID(c.signer.ProfileID())
					fmt.Fprintf(out, "paired with %s\n", peer)
				default:
					fmt.Fprintf(out, "unknown event (%d bytes)\n", len(ev.Unknown))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&acceptAll, "accept-all", false, "accept every pairing request")
	cmd.Flags().StringVar(&saveDir, "save", "", "save pairing requests as JSON in this dir")
	return cmd
}

func pingCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping [text]",
		Short: "Log in and ping the home",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			txt := "ping"
			if len(args) == 1 {
				txt = args[0]
			}
			ctx, cancel := o.timeout(cmd)
			defer cancel()
			sess, err := c.gateway.Login(ctx)
			if err != nil {
				return err
			}
			start := time.Now()
			echo, err := sess.Ping(ctx, txt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", echo, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func callCmd(o *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "call <peer-id> <app> [message]",
		Short: "Call a paired peer's app and print its replies",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			peer, err := parseID(args[0])
			if err != nil {
				return err
			}
			proof, err := c.relations.with(c.signer.ProfileID(), peer, proto.RelationEnableCallBetween)
			if err != nil {
				return err
			}
			var msg proto.AppMessageFrame
			if len(args) == 3 {
				msg = proto.AppMessageFrame(args[2])
			}
			replies := make(chan proto.Result[proto.AppMessageFrame], 16)
			sink, err := c.gateway.Call(cmd.Context(), proof, proto.ApplicationID(args[1]), msg, replies)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if sink == nil {
				fmt.Fprintln(out, "not answered")
				return nil
			}
			if msg != nil {
				sink <- proto.Ok(msg)
			}
			close(sink)
			timer := time.NewTimer(wait)
			defer timer.Stop()
			for {
				select {
				case r, ok := <-replies:
					if !ok {
						return nil
					}
					if r.Err != nil {
						return r.Err
					}
					fmt.Fprintf(out, "< %s\n", r.Value)
				case <-timer.C:
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for replies")
	return cmd
}

func listenCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <app>",
		Short: "Answer calls to an app by echoing every frame back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := o.timeout(cmd)
			sess, err := c.gateway.Login(ctx)
			cancel()
			if err != nil {
				return err
			}
			defer context.AfterFunc(cmd.Context(), func() { _ = sess.Close() })()
			out := cmd.OutOrStdout()
			for r := range sess.CheckinApp(proto.ApplicationID(args[0])) {
				if r.Err != nil {
					return r.Err
				}
				call := r.Value
				d := call.RequestDetails()
				caller, _ := d.Relation.PeerID(c.signer.ProfileID())
				fmt.Fprintf(out, "call from %s: %q\n", caller.Short(), d.InitPayload)
				if d.ToCaller == nil {
					call.Answer(nil)
					continue
				}
				in := make(chan proto.Result[proto.AppMessageFrame], 16)
				call.Answer(in)
				go echo(in, d.ToCaller)
			}
			return nil
		},
	}
}

func echo(in <-chan proto.Result[proto.AppMessageFrame], out proto.AppMsgSink) {
	defer close(out)
	for r := range in {
		if r.Err != nil {
			return
		}
		out <- proto.Ok(r.Value)
	}
}

func unregisterCmd(o *rootOptions) *cobra.Command {
	var next string
	cmd := &cobra.Command{
		Use:   "unregister <home-id>",
		Short: "Leave a home, optionally naming the next one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.open(cmd.Context())
			if err != nil {
				return err
			}
			homeID, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := o.timeout(cmd)
			defer cancel()
			var newHome *proto.Profile
			if next != "" {
				id, err := parseID(next)
				if err != nil {
					return err
				}
				p, err := c.directory.Get(ctx, id)
				if err != nil {
					return err
				}
				newHome = &p
			}
			if err := c.gateway.Unregister(ctx, homeID, newHome); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "left %s\n", homeID.Short())
			return nil
		},
	}
	cmd.Flags().StringVar(&next, "next", "", "profile id of the home taking over")
	return cmd
}
