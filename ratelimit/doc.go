// Copyright (c) CFTeam Authors.
// Licensed under the MIT License.

/*
包 ratelimit 提供按 Agent 划分的令牌桶限流。

每个 Agent 拥有独立的令牌桶：容量等于配置的 RPM，按 RPM/60
令牌每秒连续补充。TryAcquire 从不阻塞调用方，未获授权时返回
建议退避时长，由任务协调器重新排队而不是停住工作协程。

桶基于 golang.org/x/time/rate 实现，使用单调时钟，系统时钟
调整不会导致负令牌。锁粒度为单个桶的创建与查找，各 Agent 的
取令牌操作互不干扰。
*/
package ratelimit
