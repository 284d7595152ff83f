// Package dispatch turns authenticated trigger events into deploy jobs.
//
// Decision order for push triggers:
//   - repository not bound to any agent → unknown_agent
//   - branch outside the agent's allowed branches → branch_not_eligible
//   - agent has auto-deploy off → auto_deploy_disabled
//   - otherwise one job is enqueued
//
// Manual triggers name the agent directly and skip the branch and auto-deploy
// checks. Rejections are returned as outcomes, never as errors; only
// infrastructure failures (the queue refusing the insert) surface as errors.
package dispatch
