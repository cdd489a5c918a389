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

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type source struct {
	DocumentID      string  `json:"document_id"`
	DocumentName    string  `json:"document_name"`
	ChunkIndex      int     `json:"chunk_index"`
	SimilarityScore float64 `json:"similarity_score"`
}

// frame is one NDJSON line of a streamed completion.
type frame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Sources []source `json:"sources"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Nuka RAG server URL")
	key := flag.String("key", os.Getenv("NUKA_API_KEY"), "API key")
	model := flag.String("model", "", "Model name (empty uses the default chat model)")
	topK := flag.Int("rag", 0, "Augment with the top N document chunks (0 disables)")
	flag.Parse()

	fmt.Println("Nuka RAG CLI Chat")
	fmt.Printf("Server: %s | Model: %s\n", *server, orDefault(*model, "(default)"))
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /reset, /rag N, /usage")
	fmt.Println("---")

	var history []message
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Println("Bye!")
			return
		case input == "/reset":
			history = nil
			fmt.Println("History cleared.")
			continue
		case strings.HasPrefix(input, "/rag"):
			fmt.Sscanf(strings.TrimPrefix(input, "/rag"), "%d", topK)
			fmt.Printf("RAG top_k = %d\n", *topK)
			continue
		case input == "/usage":
			fetchUsage(*server, *key)
			continue
		}

		history = append(history, message{Role: "user", Content: input})
		reply, ok := streamChat(*server, *key, *model, *topK, history)
		if !ok {
			history = history[:len(history)-1]
			continue
		}
		history = append(history, message{Role: "assistant", Content: reply})
	}
}

func streamChat(server, key, model string, topK int, history []message) (string, bool) {
	req := map[string]any{"messages": history, "stream": true}
	if model != "" {
		req["model"] = model
	}
	if topK > 0 {
		req["rag"] = map[string]int{"top_k": topK}
	}
	body, _ := json.Marshal(req)

	httpReq, _ := http.NewRequest(http.MethodPost, server+"/v1/chat/completions", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(httpReq)
	if err != nil {
		printError("Request failed: %v", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return "", false
	}

	var (
		reply   strings.Builder
		sources []source
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		var f frame
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			continue
		}
		if f.Error != nil {
			fmt.Println()
			printError("Stream failed (%s): %s", f.Error.Type, f.Error.Message)
			return reply.String(), reply.Len() > 0
		}
		for _, ch := range f.Choices {
			fmt.Print(ch.Delta.Content)
			reply.WriteString(ch.Delta.Content)
		}
		if len(f.Sources) > 0 {
			sources = f.Sources
		}
	}
	fmt.Println()
	if err := sc.Err(); err != nil {
		printError("Read stream: %v", err)
	}
	for _, s := range sources {
		fmt.Printf("\033[36m  [%s #%d %.2f]\033[0m\n", s.DocumentName, s.ChunkIndex, s.SimilarityScore)
	}
	return reply.String(), true
}

func fetchUsage(server, key string) {
	req, _ := http.NewRequest(http.MethodGet, server+"/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		printError("Failed to fetch usage: %v", err)
		return
	}
	defer resp.Body.Close()

	var out struct {
		Models []struct {
			Model        string  `json:"model"`
			Requests     int64   `json:"requests"`
			TotalTokens  int64   `json:"total_tokens"`
			CostEstimate float64 `json:"cost_estimate"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		printError("Failed to parse usage: %v", err)
		return
	}
	if len(out.Models) == 0 {
		fmt.Println("No usage recorded yet.")
		return
	}
	for _, m := range out.Models {
		fmt.Printf("  %-24s %6d requests %9d tokens  $%.4f\n", m.Model, m.Requests, m.TotalTokens, m.CostEstimate)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
