// rag 包实现自适应多源检索编排：文档路由、查询规划、
// 并行检索执行、证据评估与答案合成。
//
// 管线状态流转: PLAN → RETRIEVE → EVALUATE → (一次扩大检索) → SYNTHESIZE → DONE。
package rag
