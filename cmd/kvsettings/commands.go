package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/gxo-labs/kvsettings/internal/config"
	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	kvlog "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/log"
	"github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/setting"
)

var errUsage = errors.New("usage error")

type command struct {
	name string
	args int
	// createMissing makes attach create absent storage files.
	createMissing bool
	run           func(ctx context.Context, s v1.StoreV1, args []string, out io.Writer, log kvlog.Logger) error
}

var commands = []command{
	{name: "demo", createMissing: true, run: runDemo},
	{name: "list", run: runList},
	{name: "get", args: 1, run: runGet},
	{name: "set", args: 3, run: runSet},
	{name: "clear", run: runClear},
	{name: "hash", run: runHash},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func runCommand(ctx context.Context, s v1.StoreV1, cmd command, args []string, storages []config.StorageConfig, out io.Writer, log kvlog.Logger) error {
	if len(storages) == 0 && cmd.name != "demo" {
		return fmt.Errorf("%w: %s needs at least one storage (--storage or a configuration file)", errUsage, cmd.name)
	}
	if err := attachStorages(ctx, s, storages, cmd.createMissing, log); err != nil {
		return err
	}
	return cmd.run(ctx, s, args, out, log)
}

// attachStorages attaches every storage in order. A corrupt storage stays
// attached and is repaired by the next save, so it only produces a warning.
func attachStorages(ctx context.Context, s v1.StoreV1, storages []config.StorageConfig, createMissing bool, log kvlog.Logger) error {
	for _, sc := range storages {
		kind, err := sc.Kind()
		if err != nil {
			return err
		}
		err = s.SetStorage(ctx, sc.Path, kind)
		if kverrors.IsNotFound(err) && createMissing {
			log.Infof("Storage %s does not exist, creating it", sc.Path)
			if err := createEmptyFile(sc.Path); err != nil {
				return err
			}
			err = s.SetStorage(ctx, sc.Path, kind)
		}
		switch {
		case err == nil:
			log.Debugf("Attached %s storage %s", kind, sc.Path)
		case kverrors.IsCorrupt(err):
			log.Warnf("Storage %s is corrupt and will be rewritten on the next save: %v", sc.Path, err)
		default:
			return fmt.Errorf("attach %s: %w", sc.Path, err)
		}
	}
	return nil
}

func createEmptyFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return f.Close()
}

func runList(_ context.Context, s v1.StoreV1, _ []string, out io.Writer, _ kvlog.Logger) error {
	for i := 0; ; i++ {
		rec, err := s.Iterate(i)
		if errors.Is(err, kverrors.ErrOutOfRange) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s=%s:%s\n", rec.Key, rec.Kind(), rec.Value)
	}
}

func runGet(_ context.Context, s v1.StoreV1, args []string, out io.Writer, _ kvlog.Logger) error {
	kind, err := s.TypeOf(args[0])
	if err != nil {
		return err
	}
	v, err := s.Get(args[0], kind)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, v)
	return nil
}

// runSet updates KEY, declaring it first when the map does not hold it yet.
func runSet(ctx context.Context, s v1.StoreV1, args []string, out io.Writer, _ kvlog.Logger) error {
	key := args[0]
	kind, err := setting.ParseKind(args[1])
	if err != nil {
		return kverrors.NewValidationError(err.Error(), err)
	}
	v, err := setting.ParseValue(kind, args[2])
	if err != nil {
		return kverrors.NewValidationError(err.Error(), err)
	}
	if _, err := s.TypeOf(key); kverrors.IsNotFound(err) {
		if err := s.Create(ctx, key, v); err != nil {
			return err
		}
	} else if err := s.Set(ctx, key, v); err != nil {
		return err
	}
	return s.Flush(ctx)
}

func runClear(ctx context.Context, s v1.StoreV1, _ []string, _ io.Writer, _ kvlog.Logger) error {
	return s.Clear(ctx)
}

func runHash(_ context.Context, s v1.StoreV1, _ []string, out io.Writer, _ kvlog.Logger) error {
	fmt.Fprintf(out, "0x%08x\n", s.Hash())
	return nil
}

// demoStep is one call of the demo flow. Steps marked expectFail exercise a
// refusal and must return an error.
type demoStep struct {
	desc       string
	expectFail bool
	do         func(ctx context.Context, s v1.StoreV1, out io.Writer) error
}

func printSetting(s v1.StoreV1, out io.Writer, key string) error {
	kind, err := s.TypeOf(key)
	if err != nil {
		return err
	}
	v, err := s.Get(key, kind)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (%s) = %s\n", key, kind, v)
	return nil
}

var demoSteps = []demoStep{
	{desc: "create v1 with a string default", do: func(ctx context.Context, s v1.StoreV1, out io.Writer) error {
		if err := s.Create(ctx, "v1", setting.String("default value")); err != nil {
			return err
		}
		return printSetting(s, out, "v1")
	}},
	{desc: "set v1 to an int32", expectFail: true, do: func(ctx context.Context, s v1.StoreV1, _ io.Writer) error {
		return s.Set(ctx, "v1", setting.Int32(0xa5a5))
	}},
	{desc: "get the undeclared v2", expectFail: true, do: func(_ context.Context, s v1.StoreV1, out io.Writer) error {
		return printSetting(s, out, "v2")
	}},
	{desc: "set v1 to a new string", do: func(ctx context.Context, s v1.StoreV1, out io.Writer) error {
		if err := s.Set(ctx, "v1", setting.String("This is a new value")); err != nil {
			return err
		}
		return printSetting(s, out, "v1")
	}},
	{desc: "re-create v1 once it holds a live value", expectFail: true, do: func(ctx context.Context, s v1.StoreV1, _ io.Writer) error {
		return s.Create(ctx, "v1", setting.Int32(0xa5a5))
	}},
	{desc: "create s1", do: func(ctx context.Context, s v1.StoreV1, out io.Writer) error {
		if err := s.Create(ctx, "s1", setting.String("I'm a string")); err != nil {
			return err
		}
		return printSetting(s, out, "s1")
	}},
	{desc: "set s1 to an IPv4 address", expectFail: true, do: func(ctx context.Context, s v1.StoreV1, _ io.Writer) error {
		return s.Set(ctx, "s1", setting.IPv4(netip.AddrFrom4([4]byte{192, 168, 100, 1})))
	}},
	{desc: "create ip1", do: func(ctx context.Context, s v1.StoreV1, out io.Writer) error {
		if err := s.Create(ctx, "ip1", setting.IPv4(netip.AddrFrom4([4]byte{192, 168, 100, 1}))); err != nil {
			return err
		}
		return printSetting(s, out, "ip1")
	}},
}

// runDemo walks through the store API. Steps that are refused on purpose
// are reported; any other deviation fails the command.
func runDemo(ctx context.Context, s v1.StoreV1, _ []string, out io.Writer, log kvlog.Logger) error {
	sub, err := s.Notify("demo", 1)
	if err != nil {
		return err
	}
	defer func() { _ = s.Unsubscribe(sub.ID) }()

	for _, step := range demoSteps {
		err := step.do(ctx, s, out)
		switch {
		case step.expectFail && err == nil:
			return fmt.Errorf("demo step %q succeeded but should have been refused", step.desc)
		case step.expectFail:
			fmt.Fprintf(out, "%s: refused as expected (%v)\n", step.desc, err)
		case err != nil:
			return fmt.Errorf("demo step %q: %w", step.desc, err)
		default:
			log.Debugf("Demo step %q done", step.desc)
		}
	}

	changes := 0
	for {
		select {
		case n := <-sub.C:
			changes++
			fmt.Fprintf(out, "notified: %s changed (signal %d)\n", n.Key, n.Signal)
			continue
		default:
		}
		break
	}
	fmt.Fprintf(out, "%d change notification(s), hash 0x%08x\n", changes, s.Hash())

	if err := s.Flush(ctx); err != nil {
		return err
	}
	usage, err := s.UsedSizes()
	if err != nil {
		return err
	}
	for _, u := range usage {
		fmt.Fprintf(out, "storage %d: %s (%s) uses %d bytes\n", u.Index, u.Path, u.Kind, u.Bytes)
	}
	return nil
}
