// tidewalletctl is a small offline utility for inspecting a wallet database
// without running the daemon.  It opens the database directly, so the daemon
// must not be running against the same file.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/tidewallet/tidewallet/waccmgr"
	"github.com/tidewallet/tidewallet/walletdb"
)

const (
	showHelpMessage = "Specify -h to show available options"
	listCmdMessage  = "Specify -l to list available commands"

	walletDbName = "wallet.db"
)

// config defines the command line options for the utility.
type config struct {
	ShowHelp     bool   `short:"h" long:"help" description:"Show this help message and exit"`
	ListCommands bool   `short:"l" long:"listcommands" description:"List all of the supported commands and exit"`
	AppDataDir   string `short:"A" long:"appdata" description:"Application data directory containing the wallet database"`
}

// commands maps each supported command to its handler and one-line synopsis.
var commands = map[string]struct {
	handler  func(db *walletdb.DB, args []string) error
	synopsis string
}{
	"accounts": {listAccounts, "List every account as JSON"},
	"avatar":   {printAvatar, "Print the SVG avatar of the account with the given nickname"},
}

// usage displays the general usage when an invalid command or no command was
// specified.
func usage(errorMessage string) {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	fmt.Fprintln(os.Stderr, errorMessage)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintf(os.Stderr, "  %s [OPTIONS] <command> <args...>\n\n",
		appName)
	fmt.Fprintln(os.Stderr, showHelpMessage)
	fmt.Fprintln(os.Stderr, listCmdMessage)
}

// listCommands prints the supported commands with their synopses.
func listCommands() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-10s %s\n", name, commands[name].synopsis)
	}
}

// defaultAppDataDir mirrors the daemon's data directory resolution so both
// programs find the same wallet database by default.
func defaultAppDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "Tidewallet")
		}
		return filepath.Join(homeDir, "Tidewallet")
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support",
			"Tidewallet")
	default:
		return filepath.Join(homeDir, ".tidewallet")
	}
}

// accountInfo is the JSON listing shape for one account.
type accountInfo struct {
	ID        string   `json:"id"`
	Address   string   `json:"address"`
	Nickname  string   `json:"nickname"`
	Tags      []string `json:"tags,omitempty"`
	Source    string   `json:"source"`
	CreatedAt string   `json:"created_at"`
	LastUsed  string   `json:"last_used,omitempty"`
	UseCount  uint64   `json:"use_count,omitempty"`
}

// listAccounts dumps every persisted account as an indented JSON array.
func listAccounts(db *walletdb.DB, args []string) error {
	accounts, err := db.Accounts()
	if err != nil {
		return err
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Nickname < accounts[j].Nickname
	})

	infos := make([]accountInfo, 0, len(accounts))
	for _, account := range accounts {
		info := accountInfo{
			ID:        account.ID.String(),
			Address:   account.Address.String(),
			Nickname:  account.Nickname,
			Tags:      account.Tags,
			Source:    account.Source.String(),
			CreatedAt: account.CreatedAt.Format("2006-01-02 15:04:05"),
			UseCount:  account.UseCount,
		}
		if !account.LastUsed.IsZero() {
			info.LastUsed = account.LastUsed.Format(
				"2006-01-02 15:04:05")
		}
		infos = append(infos, info)
	}

	out, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// printAvatar writes the SVG avatar of the named account to stdout.
func printAvatar(db *walletdb.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("avatar requires exactly one nickname " +
			"argument")
	}

	accounts, err := db.Accounts()
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if account.Nickname == args[0] {
			fmt.Println(waccmgr.Avatar(account.Address))
			return nil
		}
	}
	return fmt.Errorf("no account with nickname %q", args[0])
}

func main() {
	cfg := config{
		AppDataDir: defaultAppDataDir(),
	}
	parser := flags.NewParser(&cfg, flags.PassDoubleDash)
	args, err := parser.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.ShowHelp {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if cfg.ListCommands {
		listCommands()
		os.Exit(0)
	}
	if len(args) < 1 {
		usage("No command specified")
		os.Exit(1)
	}

	command, ok := commands[args[0]]
	if !ok {
		usage(fmt.Sprintf("Unrecognized command %q", args[0]))
		os.Exit(1)
	}

	db, err := walletdb.Open(filepath.Join(cfg.AppDataDir, walletDbName))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Unable to open wallet database:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := command.handler(db, args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
