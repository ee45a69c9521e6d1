package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"log/slog"

	"golang.org/x/term"

	"github.com/mhutton/shipline/internal/descriptor"
	"github.com/mhutton/shipline/internal/domain"
	"github.com/mhutton/shipline/internal/notify"
	"github.com/mhutton/shipline/internal/pipeline"
	"github.com/mhutton/shipline/internal/poll"
	"github.com/mhutton/shipline/internal/registry"
	"github.com/mhutton/shipline/internal/remote"
	"github.com/mhutton/shipline/internal/service/build"
	"github.com/mhutton/shipline/internal/service/deploy"
	"github.com/mhutton/shipline/internal/vcs"
	"github.com/mhutton/shipline/internal/version"
	"github.com/mhutton/shipline/internal/workspace"
	"github.com/mhutton/shipline/pkg/config"
	"github.com/mhutton/shipline/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "build":
		err = commandBuild(args)
	case "deploy":
		err = commandDeploy(args)
	case "deployps":
		err = commandDeployPS(args)
	case "rundeploy":
		err = commandRunDeploy(args)
	case "history":
		err = commandHistory(args)
	case "version", "--version", "-v":
		fmt.Printf("shipline %s\n", buildVersion)
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`shipline - build and deploy versioned application packages

Usage:
  shipline build <APP...> [-version N] [-test]      build release packages
  shipline deploy <APP...> [-version N] [-env NICK] deploy built packages to an environment
  shipline deployps [-version N] [-env NICK]        self-deploy the pipeline framework
  shipline history [-app APP]                       show the deploy history
  shipline rundeploy -descriptor PATH -env NICK     (target-side) execute a deploy locally
  shipline version                                  print the version`)
}

type env struct {
	cfg config.PipelineConfig
	tee *logger.Tee
	log *slog.Logger
	reg *registry.Registry
}

func loadEnv(service, configPath string) (*env, error) {
	cfg, err := config.LoadPipelineConfig(configPath)
	if err != nil {
		return nil, err
	}
	tee := logger.NewTee()
	log := logger.NewMirrored(service, slog.LevelInfo, tee)
	return &env{cfg: cfg, tee: tee, log: log, reg: registry.New(cfg, log)}, nil
}

func (e *env) notifier() notify.Notifier {
	if !e.cfg.MailEnabled || e.cfg.SMTPHost == "" {
		return notify.LogNotifier{Log: e.log}
	}
	return notify.NewSMTP(e.cfg, e.log)
}

func commandBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	ver := fs.String("version", "", "Version to build (default: repository head)")
	test := fs.Bool("test", false, "Test build: run everything but skip the publish copy")
	configPath := fs.String("config", defaultConfigPath(), "Pipeline config file")
	fs.Parse(args)

	e, err := loadEnv("build", *configPath)
	if err != nil {
		return err
	}
	apps := fs.Args()
	if len(apps) == 0 {
		if apps, err = promptApplications(e.cfg.DescriptorDir); err != nil {
			return err
		}
	}
	requested, err := parseVersionArg(*ver)
	if err != nil {
		return err
	}

	repo, err := vcs.New(e.cfg.RepositoryURL, e.cfg.RepositoryBin)
	if err != nil {
		return err
	}
	workspaces, err := workspace.New(e.cfg.WorkRoot)
	if err != nil {
		return err
	}
	svc := build.New(e.cfg, repo, workspaces, e.reg, e.notifier(), e.tee, e.log)

	ctx := context.Background()
	var failed bool
	for _, app := range apps {
		res := svc.Build(ctx, build.Request{
			Application: app,
			Version:     requested,
			User:        currentUser(),
			TestBuild:   *test,
		})
		fmt.Printf("%s: %s\n", strings.ToUpper(app), res.Status)
		if res.Failed() {
			failed = true
			fmt.Fprintf(os.Stderr, "  %v\n", res.Err)
		}
	}
	if failed {
		return errors.New("one or more builds failed")
	}
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	ver := fs.String("version", "", "Version to deploy (default: newest built)")
	nick := fs.String("env", "", "Environment nickname")
	configPath := fs.String("config", defaultConfigPath(), "Pipeline config file")
	fs.Parse(args)

	e, err := loadEnv("deploy", *configPath)
	if err != nil {
		return err
	}
	apps := fs.Args()
	if len(apps) == 0 {
		if apps, err = promptApplications(e.cfg.DescriptorDir); err != nil {
			return err
		}
	}
	requested, err := parseVersionArg(*ver)
	if err != nil {
		return err
	}

	dispatcher, err := buildDispatcher(e)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, name := range apps {
		if err := dispatchDeploy(ctx, e, dispatcher, strings.ToUpper(name), requested, *nick); err != nil {
			return err
		}
	}
	return nil
}

// dispatchDeploy ships a built release to the target host through the
// relay and runs the deploy there. The descriptor copied into the
// release folder at build time names the valid targets for exactly this
// version.
func dispatchDeploy(ctx context.Context, e *env, dispatcher *remote.Dispatcher, name string, requested int, nick string) error {
	rel, err := pickRelease(e, name, requested)
	if err != nil {
		return err
	}
	releaseDir := e.reg.ReleasePath(rel)
	app, err := descriptor.Load(descriptor.PathFor(releaseDir, name))
	if err != nil {
		return err
	}
	target, err := pickTarget(app, nick)
	if err != nil {
		return err
	}

	packageDir := filepath.Join(e.cfg.PackagesRoot, rel.FolderName())
	e.log.Info("copying release via relay", "release", rel.String(), "dest", packageDir)
	if out, err := dispatcher.RelayCopy(ctx, releaseDir, packageDir); err != nil {
		if out != "" {
			e.log.Error("relay copy output", "output", out)
		}
		return err
	}

	remoteDescriptor := filepath.Join(packageDir, name+".xml")
	command := fmt.Sprintf("shipline rundeploy -descriptor %q -env %q -user %q",
		remoteDescriptor, target.NickName, currentUser())
	e.log.Info("dispatching deploy", "server", target.ServerName, "nickname", target.NickName)
	out, err := dispatcher.Run(ctx, target.ServerName, command)
	if out != "" {
		fmt.Println(out)
	}
	return err
}

func commandRunDeploy(args []string) error {
	fs := flag.NewFlagSet("rundeploy", flag.ExitOnError)
	descriptorPath := fs.String("descriptor", "", "Path to the package's application descriptor")
	nick := fs.String("env", "", "Environment nickname")
	user := fs.String("user", currentUser(), "User the deploy is attributed to")
	configPath := fs.String("config", defaultConfigPath(), "Pipeline config file")
	fs.Parse(args)

	if *descriptorPath == "" {
		return errors.New("-descriptor is required")
	}
	if *nick == "" {
		return errors.New("-env is required")
	}
	e, err := loadEnv("deploy", *configPath)
	if err != nil {
		return err
	}

	db := deploy.NewSQLServerController(e.cfg, e.log)
	defer db.Close()
	svc := deploy.New(e.cfg, e.reg, e.notifier(), db, e.tee, e.log)
	res := svc.Deploy(context.Background(), deploy.Request{
		DescriptorPath: *descriptorPath,
		Nickname:       *nick,
		User:           *user,
	})
	fmt.Printf("%s: %s\n", res.Release.String(), res.Status)
	if res.Failed() {
		return res.Err
	}
	return nil
}

// commandDeployPS self-deploys the pipeline framework. The running
// binaries cannot be overwritten in place, so the release is staged
// next to the install dir and swapped in by a second remote command.
func commandDeployPS(args []string) error {
	fs := flag.NewFlagSet("deployps", flag.ExitOnError)
	ver := fs.String("version", "", "Version to deploy (default: newest built)")
	nick := fs.String("env", "", "Environment nickname")
	configPath := fs.String("config", defaultConfigPath(), "Pipeline config file")
	fs.Parse(args)

	e, err := loadEnv("deployps", *configPath)
	if err != nil {
		return err
	}
	if e.cfg.InstallDir == "" {
		return errors.New("install_dir is not configured")
	}
	requested, err := parseVersionArg(*ver)
	if err != nil {
		return err
	}
	rel, err := pickRelease(e, e.cfg.FrameworkApp, requested)
	if err != nil {
		return err
	}
	releaseDir := e.reg.ReleasePath(rel)
	app, err := descriptor.Load(descriptor.PathFor(releaseDir, rel.Application))
	if err != nil {
		return err
	}
	target, err := pickTarget(app, *nick)
	if err != nil {
		return err
	}
	dispatcher, err := buildDispatcher(e)
	if err != nil {
		return err
	}

	ctx := context.Background()
	install := strings.TrimRight(e.cfg.InstallDir, "/")
	staged := install + ".staged"

	// Phase one: land the new release beside the install dir.
	e.log.Info("staging framework release", "release", rel.String(), "staged", staged)
	if _, err := dispatcher.RelayCopy(ctx, releaseDir, staged); err != nil {
		return err
	}

	// Phase two: swap the staged copy in from outside the running process.
	swap := fmt.Sprintf("rm -rf %q && mv %q %q && mv %q %q",
		install+".old", install, install+".old", staged, install)
	e.log.Info("swapping framework install", "server", target.ServerName)
	if out, err := dispatcher.Run(ctx, target.ServerName, swap); err != nil {
		if out != "" {
			e.log.Error("swap output", "output", out)
		}
		return err
	}

	// The swap is asynchronous from the target's point of view; wait for
	// the installed version file to report the deployed version.
	versionFile := filepath.Join(install, rel.VersionFileName())
	err = poll.Until(ctx, e.cfg.PollInterval, e.cfg.PollMaxWait, func(ctx context.Context) (bool, error) {
		out, err := dispatcher.Run(ctx, target.ServerName, fmt.Sprintf("cat %q", versionFile))
		if err != nil {
			return false, nil // not fatal; the swap may still be settling
		}
		installed, err := strconv.Atoi(strings.TrimSpace(out))
		return err == nil && installed == rel.Version, nil
	})
	if err != nil {
		return fmt.Errorf("framework install did not report version %d: %w", rel.Version, err)
	}
	fmt.Printf("%s: %s\n", rel.String(), pipeline.StatusSucceeded)
	return nil
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	app := fs.String("app", "", "Only show records for this application")
	configPath := fs.String("config", defaultConfigPath(), "Pipeline config file")
	fs.Parse(args)

	// History is read-only; no attempt log means no tee.
	cfg, err := config.LoadPipelineConfig(*configPath)
	if err != nil {
		return err
	}
	log := logger.New("history", slog.LevelWarn)
	records, err := registry.New(cfg, log).History()
	if err != nil {
		return err
	}
	name := strings.ToUpper(strings.TrimSpace(*app))
	for _, rec := range records {
		if name != "" && rec.Application != name {
			continue
		}
		fmt.Println(rec.Line())
	}
	return nil
}

func buildDispatcher(e *env) (*remote.Dispatcher, error) {
	cred := remote.Credential{
		User:     e.cfg.SSHUser,
		Password: e.cfg.SSHPassword,
		KeyPath:  e.cfg.SSHKeyPath,
	}
	if cred.User == "" {
		user, err := promptLine("Remote user")
		if err != nil {
			return nil, err
		}
		cred.User = user
	}
	if cred.Password == "" && cred.KeyPath == "" {
		fmt.Printf("Password for %s: ", cred.User)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		cred.Password = string(secret)
	}
	return remote.NewDispatcher(e.cfg, cred, e.log)
}

// pickRelease resolves the requested version against the built set,
// prompting with the valid values when nothing was requested and the
// newest cannot be assumed.
func pickRelease(e *env, name string, requested int) (domain.Release, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	built, err := e.reg.BuiltVersions(name)
	if err != nil {
		return domain.Release{}, err
	}
	if len(built) == 0 {
		return domain.Release{}, fmt.Errorf("%w: no built releases for %s", pipeline.ErrInvalidApplication, name)
	}
	if requested == version.Latest {
		requested = built[len(built)-1]
	}
	for _, v := range built {
		if v == requested {
			return domain.Release{Application: name, Version: requested}, nil
		}
	}
	return domain.Release{}, fmt.Errorf("%w: %s_%d is not built (built: %v)", pipeline.ErrInvalidVersion, name, requested, built)
}

// pickTarget resolves the nickname against the descriptor's declared
// list, prompting with the valid nicknames when none was given.
func pickTarget(app *domain.Application, nick string) (domain.DeployTarget, error) {
	if nick == "" {
		choice, err := promptChoice("Environment nickname", app.Nicknames())
		if err != nil {
			return domain.DeployTarget{}, err
		}
		nick = choice
	}
	target, ok := app.Target(nick)
	if !ok {
		return domain.DeployTarget{}, fmt.Errorf("%w: %q (valid: %v)", pipeline.ErrUnknownTarget, nick, app.Nicknames())
	}
	return target, nil
}

func promptApplications(descriptorDir string) ([]string, error) {
	if descriptorDir != "" {
		if known, err := descriptor.ListApplications(descriptorDir); err == nil && len(known) > 0 {
			choice, err := promptChoice("Application", known)
			if err != nil {
				return nil, err
			}
			return []string{choice}, nil
		}
	}
	line, err := promptLine("Application")
	if err != nil {
		return nil, err
	}
	return []string{line}, nil
}

func promptChoice(label string, valid []string) (string, error) {
	fmt.Printf("%s (one of: %s): ", label, strings.Join(valid, ", "))
	return readLine()
}

func promptLine(label string) (string, error) {
	fmt.Printf("%s: ", label)
	return readLine()
}

func readLine() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no value given")
	}
	return line, nil
}

func parseVersionArg(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return version.Latest, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive integer", pipeline.ErrInvalidVersion, raw)
	}
	return v, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown"
}

func defaultConfigPath() string {
	return config.GetString("SHIPLINE_CONFIG", "shipline.toml")
}
