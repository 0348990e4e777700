// Package api 通过 REST 接口暴露链路运行的提交、查询、取消与统计能力，
// 路由基于 chi，错误统一以 {"error": {"code", "message"}} 的 JSON 形式返回。
package api
