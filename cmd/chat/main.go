package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "JohnNet server URL")
	user := flag.String("user", "cli-user", "User ID for chat")
	agentType := flag.String("agent", "companion", "Agent type to talk to")
	flag.Parse()

	fmt.Println("JohnNet CLI Chat")
	fmt.Printf("Server: %s | User: %s | Agent: %s\n", *server, *user, *agentType)
	fmt.Println("Type 'exit' or 'quit' to leave. Use @agent_type to switch agents.")
	fmt.Println("Commands: /agents, /session, /health")
	fmt.Println("---")

	fetchAgents(*server)

	current := *agentType
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if input == "/agents" {
			fetchAgents(*server)
			continue
		}
		if input == "/session" {
			fetchSession(*server, *user, current)
			continue
		}
		if input == "/health" {
			fetchHealth(*server)
			continue
		}
		if strings.HasPrefix(input, "@") {
			parts := strings.SplitN(input[1:], " ", 2)
			current = parts[0]
			if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
				fmt.Printf("Switched to @%s\n", current)
				continue
			}
			input = strings.TrimSpace(parts[1])
		}

		sendMessage(*server, *user, current, input)
	}
}

func fetchAgents(server string) {
	resp, err := http.Get(server + "/api/agents")
	if err != nil {
		printError("Failed to fetch agents: %v", err)
		return
	}
	defer resp.Body.Close()

	var agents []struct {
		Type        string `json:"type"`
		DisplayName string `json:"display_name"`
		Model       string `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		printError("Failed to parse agents: %v", err)
		return
	}
	fmt.Println("Available agents:")
	for _, a := range agents {
		fmt.Printf("  @%s — %s (%s)\n", a.Type, a.DisplayName, a.Model)
	}
}

func fetchSession(server, user, agentType string) {
	resp, err := http.Get(server + "/api/sessions/" + user + "/" + agentType)
	if err != nil {
		printError("Failed to fetch session: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		fmt.Printf("No session with @%s yet.\n", agentType)
		return
	}
	var body struct {
		Session struct {
			InteractionCount int     `json:"interaction_count"`
			Tier             int     `json:"tier"`
			EmotionalState   float64 `json:"emotional_state"`
		} `json:"session"`
		TierName string `json:"tier_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		printError("Failed to parse session: %v", err)
		return
	}
	fmt.Printf("Session with @%s: %d turns, tier %d (%s), mood %+.2f\n",
		agentType, body.Session.InteractionCount, body.Session.Tier, body.TierName, body.Session.EmotionalState)
}

func fetchHealth(server string) {
	resp, err := http.Get(server + "/api/health")
	if err != nil {
		printError("Failed to fetch health: %v", err)
		return
	}
	defer resp.Body.Close()

	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		printError("Failed to parse health: %v", err)
		return
	}
	fmt.Printf("Server: %s\n", body.Status)
	for id, status := range body.Backends {
		icon := "\033[31m✗\033[0m"
		if status == "ok" {
			icon = "\033[32m✓\033[0m"
		}
		fmt.Printf("  %s %s\n", icon, id)
	}
}

func sendMessage(server, user, agentType, message string) {
	body, _ := json.Marshal(map[string]string{
		"user_id": user,
		"message": message,
	})

	client := &http.Client{Timeout: 95 * time.Second}
	resp, err := client.Post(
		server+"/api/agents/"+agentType+"/chat",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var result struct {
		Reply        string `json:"reply"`
		TierName     string `json:"tier_name"`
		TierAdvanced bool   `json:"tier_advanced"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}

	fmt.Printf("\033[36m[%s]\033[0m %s\n", agentType, result.Reply)
	if result.TierAdvanced {
		fmt.Printf("\033[33m✦ relationship deepened: now %s\033[0m\n", result.TierName)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
