package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var chatServerFlag string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running analyst server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := &chatClient{
			server: strings.TrimRight(chatServerFlag, "/"),
			http:   &http.Client{Timeout: 65 * time.Second},
			out:    cmd.OutOrStdout(),
			errOut: cmd.ErrOrStderr(),
		}
		return c.run(cmd.InOrStdin())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatServerFlag, "server", "http://localhost:8000", "analyst server URL")
}

type chatClient struct {
	server string
	http   *http.Client
	out    io.Writer
	errOut io.Writer
}

func (c *chatClient) run(in io.Reader) error {
	fmt.Fprintln(c.out, "Tabular Analyst Chat")
	fmt.Fprintf(c.out, "Server: %s\n", c.server)
	fmt.Fprintln(c.out, "Type 'exit' or 'quit' to leave.")
	fmt.Fprintln(c.out, "Commands: /status, /tables, /upload <file>")
	fmt.Fprintln(c.out, "---")

	c.fetchStatus()

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
		case input == "exit" || input == "quit":
			fmt.Fprintln(c.out, "Bye!")
			return nil
		case input == "/status":
			c.fetchStatus()
		case input == "/tables":
			c.fetchTables()
		case strings.HasPrefix(input, "/upload "):
			c.upload(strings.TrimSpace(strings.TrimPrefix(input, "/upload ")))
		default:
			c.ask(input)
		}
	}
}

func (c *chatClient) fetchStatus() {
	var status struct {
		Status string `json:"status"`
		Ready  bool   `json:"ready"`
	}
	if !c.get("/health", &status) {
		return
	}
	if status.Ready {
		fmt.Fprintln(c.out, "Agent ready.")
	} else {
		fmt.Fprintln(c.out, "Agent not initialized yet. Use /upload <file> to load data.")
	}
}

func (c *chatClient) fetchTables() {
	var body struct {
		Tables []struct {
			Name    string `json:"name"`
			Columns []struct {
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"columns"`
		} `json:"tables"`
	}
	if !c.get("/tables", &body) {
		return
	}
	for _, t := range body.Tables {
		cols := make([]string, len(t.Columns))
		for i, col := range t.Columns {
			cols[i] = col.Name + " " + col.Type
		}
		fmt.Fprintf(c.out, "  %s (%s)\n", t.Name, strings.Join(cols, ", "))
	}
}

func (c *chatClient) ask(question string) {
	body, _ := json.Marshal(map[string]string{"question": question})
	resp, err := c.http.Post(c.server+"/query", "application/json", bytes.NewReader(body))
	if err != nil {
		c.printError("Request failed: %v", err)
		return
	}
	var out struct {
		Answer string `json:"answer"`
	}
	if c.decode(resp, &out) {
		fmt.Fprintln(c.out, out.Answer)
	}
}

func (c *chatClient) upload(path string) {
	f, err := os.Open(path)
	if err != nil {
		c.printError("Open failed: %v", err)
		return
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err == nil {
		_, err = io.Copy(fw, f)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		c.printError("Read failed: %v", err)
		return
	}

	resp, err := c.http.Post(c.server+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		c.printError("Request failed: %v", err)
		return
	}
	var out struct {
		Detail string `json:"detail"`
	}
	if c.decode(resp, &out) {
		fmt.Fprintln(c.out, out.Detail)
	}
}

func (c *chatClient) get(path string, v any) bool {
	resp, err := c.http.Get(c.server + path)
	if err != nil {
		c.printError("Request failed: %v", err)
		return false
	}
	return c.decode(resp, v)
}

func (c *chatClient) decode(resp *http.Response, v any) bool {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			c.printError("Server error (%d): %s", resp.StatusCode, e.Detail)
		} else {
			c.printError("Server error (%d): %s", resp.StatusCode, string(data))
		}
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		c.printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func (c *chatClient) printError(format string, args ...interface{}) {
	fmt.Fprintf(c.errOut, "\033[31m"+format+"\033[0m\n", args...)
}
