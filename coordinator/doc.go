// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

/*
包 coordinator 实现任务协调器：把依赖就绪的任务派发给合格的
Agent，并把每次执行尝试驱动到终点。

派发协议依次经过四道闸门：

 1. 能力过滤 — 候选成员中没有人覆盖任务要求的能力标签时，
    任务以 NO_ELIGIBLE_AGENT 直接失败（重试无意义）。
 2. 限流闸门 — Agent 的令牌桶未放行时带退避提示延迟调度，
    从不阻塞工作协程。
 3. 并发预算 — 每个 Agent 同时 running 的任务数不超过其
    RPM 推导出的并发预算。
 4. 状态机推进 — queued→assigned→running，外部执行在任务
    截止时间内完成；超时按 EXTERNAL_EXECUTION_TIMEOUT 计为
    一次失败尝试。

瞬态失败在重试预算内自动经 retried 重新排队；预算耗尽或失败
种类不可重试时任务终态失败。委派经 Delegate 登记
DelegationEdge，链深超过上限返回 DELEGATION_DEPTH_EXCEEDED。
*/
package coordinator
