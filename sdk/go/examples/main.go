package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenPlan-Chain/sdk/go/openplan"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(openplan.RunOutcome{
				ID:      "run-demo",
				Goal:    "check my BNB balance",
				Answer:  "your balance is 1.25 BNB",
				EndedBy: "planner_answer",
				Turns:   2,
			})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]openplan.RunRecord{{
				ID:        "run-demo",
				Goal:      "check my BNB balance",
				Answer:    "your balance is 1.25 BNB",
				EndedBy:   "planner_answer",
				Turns:     2,
				CreatedAt: time.Now().Unix(),
			}})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := openplan.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := client.SubmitRun(ctx, openplan.RunSubmission{Goal: "check my BNB balance"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished (%s): %s\n", outcome.ID, outcome.EndedBy, outcome.Answer)

	records, err := client.ListRuns(ctx, 10)
	if err != nil {
		panic(err)
	}
	fmt.Printf("history contains %d runs\n", len(records))
}
